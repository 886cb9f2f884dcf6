// Package sig implements the signature engine the identification layer
// matches against. Rules pair a regular expression with a protocol tag;
// matching runs synchronously over per-direction byte windows and reports
// hits through an activation callback during the matching call itself.
package sig

// Package capture implements the packet acquisition loop. It decodes frames
// from a live interface or an offline pcap file, routes UDP datagrams and
// raw TCP packets into the flow table, and drives TCP reassembly so the
// in-order stream view reaches the identification layer.
package capture

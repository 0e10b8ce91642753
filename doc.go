// Package knxnet implements the client side of a KNXnet/IP tunnelling
// connection: wire-level framing of the KNXnet/IP header and service
// types, a connection state machine with an acknowledgment-and-
// confirmation discipline, a heartbeat monitor, and the service
// dispatch that ties the two transports (UDP datagram and shared TCP
// stream) to a single connection lifecycle.
//
// Data point translation, cEMI address/message construction, discovery,
// description, routing, and secure-session handshakes live outside this
// package; it only speaks the header/HPAI/CRI/CRD framing and the
// connect/heartbeat/tunnelling service types needed to keep a channel
// alive and exchange opaque cEMI payloads over it.
package knxnet

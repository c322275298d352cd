// Package control serves the local control plane.
//
// A single goroutine multiplexes a Unix-domain listening socket, every
// connected control client and an internal wake pipe with poll(2). Clients
// write text command lines such as
//
//	channel:1,instrument:40,EMPTY_PARA_1:0,EMPTY_PARA_2:0
//	volume:90,EMPTY_PARA_1:0,EMPTY_PARA_2:0,EMPTY_PARA_3:0
//
// Program changes go to the control plane's own sink session. Parameter
// changes update the shared record that connection workers read. Lines that
// match no command are logged and dropped; the client stays connected.
//
// Lines from other sources (the MQTT control topic) enter through Inject,
// which queues them and wakes the poll loop.
package control

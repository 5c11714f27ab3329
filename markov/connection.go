package markov

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// CreateSocket binds a UDP socket on laddr. A non-zero tos is set as the
// IPv4 type of service, which restricts the socket to IPv4; with p or q
// above zero outgoing datagrams pass through a MarkovConn.
func CreateSocket(laddr *net.UDPAddr, p float64, q float64, tos int) (net.PacketConn, error) {
	network := "udp"
	if tos != 0 {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("error creating ListenUDP: %w", err)
	}
	if tos != 0 {
		if err := ipv4.NewPacketConn(conn).SetTOS(tos); err != nil {
			conn.Close()
			return nil, fmt.Errorf("error setting tos %d: %w", tos, err)
		}
	}
	if p == 0 && q == 0 {
		return conn, nil
	}
	return NewMarkovConn(conn, p, q, nil), nil
}

// CreateServerSocket binds the receiving side on ip:port.
func CreateServerSocket(ip net.IP, port int, p float64, q float64, tos int) (net.PacketConn, error) {
	return CreateSocket(&net.UDPAddr{IP: ip, Port: port}, p, q, tos)
}

// CreateClientSocket binds the sending side on an ephemeral port.
func CreateClientSocket(p float64, q float64, tos int) (net.PacketConn, error) {
	return CreateSocket(&net.UDPAddr{}, p, q, tos)
}

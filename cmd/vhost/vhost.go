package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"team21/rawtcp/pkg/common"
	"team21/rawtcp/pkg/config"
	"team21/rawtcp/pkg/link_layer"
	"team21/rawtcp/pkg/network_layer"
	"team21/rawtcp/pkg/raw_layer"
	"team21/rawtcp/pkg/tcp_layer"
)

// IPv4 and TCP headers without options.
const maxVirtualMSS = common.MessageSize - 40

const fileChunkSize = 1024

type host struct {
	tcp     *tcp_layer.Tcp
	network *network_layer.NetworkLayer // nil on the raw transport
	out     io.Writer
	workers errgroup.Group
}

func main() {
	cfg, err := config.Parse("vhost", os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	h := &host{out: os.Stdout}
	transport, err := h.openTransport(cfg, logger)
	if err != nil {
		logger.Fatalw("failed to open transport", "transport", cfg.Transport, "err", err)
	}

	h.tcp, err = tcp_layer.NewTcp(cfg.IPAddr, transport, cfg.TCP, logger.Named("tcp"))
	if err != nil {
		logger.Fatalw("failed to start tcp", "err", err)
	}

	h.runCLI(os.Stdin)

	if err := h.tcp.Close(); err != nil {
		logger.Warnw("close", "err", err)
	}
	if err := h.workers.Wait(); err != nil {
		logger.Warnw("background command failed", "err", err)
	}
}

func newLogger(level zapcore.Level) (*zap.SugaredLogger, error) {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.DisableStacktrace = true
	l, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func (h *host) openTransport(cfg *config.Config, logger *zap.SugaredLogger) (common.TransportAPI, error) {
	switch cfg.Transport {
	case config.TransportUDP:
		neighbors := make(map[netip.Addr]netip.AddrPort, len(cfg.Neighbors))
		for _, nb := range cfg.Neighbors {
			neighbors[nb.VIP] = nb.UDPAddr
		}
		link, err := link_layer.NewLinkLayer(cfg.UDPAddr, neighbors, logger.Named("link"))
		if err != nil {
			return nil, err
		}
		h.network = network_layer.NewNetworkLayer(cfg.IPAddr, link, logger.Named("ip"))
		for _, nb := range cfg.Neighbors {
			h.network.AddNeighbor(nb.VIP)
		}
		if cfg.DefaultRoute.IsValid() {
			h.network.AddRoute(netip.PrefixFrom(netip.IPv4Unspecified(), 0), cfg.DefaultRoute)
		}
		transport := network_layer.NewTcpTransport(h.network)
		link.Start(h.network)

		if cfg.TCP.MSS > maxVirtualMSS {
			logger.Infow("clamping mss to the virtual link", "mss", maxVirtualMSS)
			cfg.TCP.MSS = maxVirtualMSS
		}
		return transport, nil
	default:
		return raw_layer.Open(cfg.IPAddr, logger.Named("raw"))
	}
}

func (h *host) runCLI(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(h.out, "> ")
		if !scanner.Scan() {
			break
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "a":
			h.handleAccept(parts[1:])
		case "c":
			h.handleConnect(parts[1:])
		case "ls":
			h.listSockets()
		case "s":
			h.handleSend(parts[1:])
		case "r":
			h.handleReceive(parts[1:])
		case "cl":
			h.handleClose(parts[1:])
		case "sf":
			h.handleSendFile(parts[1:])
		case "rf":
			h.handleReceiveFile(parts[1:])
		case "lr":
			h.listRoutes()
		case "exit", "q":
			return
		default:
			fmt.Fprintln(h.out, "Unknown command. Available commands: a, c, ls, s, r, cl, sf, rf, lr, q")
		}
	}
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid port %q", s)
	}
	return uint16(port), nil
}

func (h *host) lookupSocket(s string) (tcp_layer.ConnID, bool) {
	socketID, err := strconv.Atoi(s)
	if err != nil {
		fmt.Fprintf(h.out, "Invalid socket ID: %v\n", err)
		return tcp_layer.ConnID{}, false
	}
	id, ok := h.tcp.LookupSocket(socketID)
	if !ok {
		fmt.Fprintf(h.out, "Socket %d not found\n", socketID)
	}
	return id, ok
}

func (h *host) socketID(id tcp_layer.ConnID) int {
	for _, info := range h.tcp.Sockets() {
		if info.ConnID == id {
			return info.ID
		}
	}
	return -1
}

func (h *host) handleAccept(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(h.out, "Usage: a <port>")
		return
	}
	port, err := parsePort(args[0])
	if err != nil {
		fmt.Fprintln(h.out, err)
		return
	}
	lid, err := h.tcp.Listen(port)
	if err != nil {
		fmt.Fprintf(h.out, "Failed to listen: %v\n", err)
		return
	}
	listenerID := h.socketID(lid)
	fmt.Fprintf(h.out, "Created listen socket with ID %d\n", listenerID)

	// Accept in the background to not block the CLI.
	h.workers.Go(func() error {
		for {
			id, err := h.tcp.AcceptOn(port)
			// The listener was closed.
			if errors.Is(err, tcp_layer.ErrClosed) || errors.Is(err, tcp_layer.ErrUnknownStream) {
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(h.out, "New connection on socket %d => created new socket %d\n", listenerID, h.socketID(id))
		}
	})
}

func (h *host) handleConnect(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(h.out, "Usage: c <ip> <port>")
		return
	}
	destIP, err := netip.ParseAddr(args[0])
	if err != nil {
		fmt.Fprintf(h.out, "Invalid IP address: %v\n", err)
		return
	}
	port, err := parsePort(args[1])
	if err != nil {
		fmt.Fprintln(h.out, err)
		return
	}

	id, err := h.tcp.Connect(destIP, port)
	if err != nil {
		fmt.Fprintf(h.out, "Failed to connect: %v\n", err)
		return
	}
	fmt.Fprintf(h.out, "Created new socket with ID %d\n", h.socketID(id))
}

func (h *host) listSockets() {
	fmt.Fprintf(h.out, "Local address %s\n", h.tcp.LocalAddr())
	w := tabwriter.NewWriter(h.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SID\tLAddr\tLPort\tRAddr\tRPort\tStatus")
	for _, s := range h.tcp.Sockets() {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\n",
			s.ID, s.LocalAddr, s.LocalPort, s.RemoteAddr, s.RemotePort, s.State)
	}
	w.Flush()
}

func (h *host) handleSend(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(h.out, "Usage: s <socket ID> <bytes>")
		return
	}
	id, ok := h.lookupSocket(args[0])
	if !ok {
		return
	}
	data := []byte(strings.Join(args[1:], " "))
	if err := h.tcp.Send(id, data); err != nil {
		fmt.Fprintf(h.out, "Send error: %v\n", err)
		return
	}
	fmt.Fprintf(h.out, "Sent %d bytes\n", len(data))
}

func (h *host) handleReceive(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(h.out, "Usage: r <socket ID> <numbytes>")
		return
	}
	id, ok := h.lookupSocket(args[0])
	if !ok {
		return
	}
	numBytes, err := strconv.Atoi(args[1])
	if err != nil || numBytes <= 0 {
		fmt.Fprintf(h.out, "Invalid number of bytes: %q\n", args[1])
		return
	}

	data, err := h.tcp.Read(id, numBytes)
	switch {
	case err == io.EOF:
		fmt.Fprintln(h.out, "Connection closed by peer")
	case err != nil:
		fmt.Fprintf(h.out, "Read error: %v\n", err)
	default:
		fmt.Fprintf(h.out, "Read %d bytes: %s\n", len(data), data)
	}
}

func (h *host) handleClose(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(h.out, "Usage: cl <socket ID>")
		return
	}
	id, ok := h.lookupSocket(args[0])
	if !ok {
		return
	}
	h.workers.Go(func() error {
		if err := h.tcp.Disconnect(id); err != nil && !errors.Is(err, tcp_layer.ErrClosed) {
			fmt.Fprintf(h.out, "Close %s failed: %v\n", id, err)
			return nil
		}
		fmt.Fprintf(h.out, "Closed %s\n", id)
		return nil
	})
}

func (h *host) handleSendFile(args []string) {
	if len(args) != 3 {
		fmt.Fprintln(h.out, "Usage: sf <file path> <addr> <port>")
		return
	}
	destIP, err := netip.ParseAddr(args[1])
	if err != nil {
		fmt.Fprintf(h.out, "Invalid IP address: %v\n", err)
		return
	}
	port, err := parsePort(args[2])
	if err != nil {
		fmt.Fprintln(h.out, err)
		return
	}

	path := args[0]
	h.workers.Go(func() error {
		n, err := h.sendFile(path, destIP, port)
		if err != nil {
			fmt.Fprintf(h.out, "Send file failed after %d bytes: %v\n", n, err)
			return nil
		}
		fmt.Fprintf(h.out, "Sent %d bytes from %s\n", n, path)
		return nil
	})
}

func (h *host) sendFile(path string, addr netip.Addr, port uint16) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	id, err := h.tcp.Connect(addr, port)
	if err != nil {
		return 0, err
	}

	written := 0
	buf := make([]byte, fileChunkSize)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			if err := h.tcp.Send(id, buf[:n]); err != nil {
				return written, err
			}
			written += n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
	}
	return written, h.tcp.Disconnect(id)
}

func (h *host) handleReceiveFile(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(h.out, "Usage: rf <dest file> <port>")
		return
	}
	port, err := parsePort(args[1])
	if err != nil {
		fmt.Fprintln(h.out, err)
		return
	}

	path := args[0]
	h.workers.Go(func() error {
		n, err := h.receiveFile(path, port)
		if err != nil {
			fmt.Fprintf(h.out, "Receive file failed after %d bytes: %v\n", n, err)
			return nil
		}
		fmt.Fprintf(h.out, "Received %d bytes into %s\n", n, path)
		return nil
	})
}

func (h *host) receiveFile(path string, port uint16) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	lid, err := h.tcp.Listen(port)
	if err != nil {
		return 0, err
	}
	defer h.tcp.Disconnect(lid)

	id, err := h.tcp.AcceptOn(port)
	if err != nil {
		return 0, err
	}

	received := 0
	for {
		data, err := h.tcp.Read(id, fileChunkSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			return received, err
		}
		if _, err := file.Write(data); err != nil {
			return received, err
		}
		received += len(data)
	}
	return received, h.tcp.Disconnect(id)
}

func (h *host) listRoutes() {
	if h.network == nil {
		fmt.Fprintln(h.out, "No routing table on the raw transport")
		return
	}
	w := tabwriter.NewWriter(h.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "T\tPrefix\tNext hop")
	for _, row := range h.network.Routes() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", row[0], row[1], row[2])
	}
	w.Flush()
}

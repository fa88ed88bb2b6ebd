// Package syslog runs the TCP/UDP syslog listeners. Messages are routed to
// an (org, stream) by matching the sender's IP against configured subnets;
// senders with no matching route are rejected and counted.
package syslog

import (
	"bufio"
	"context"
	"flag"
	"net"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jplandry908/openobserve/pkg/normalizer"
	"github.com/jplandry908/openobserve/pkg/record"
)

// RouteConfig maps sender subnets to a destination org and stream.
type RouteConfig struct {
	Org     string   `yaml:"org"`
	Stream  string   `yaml:"stream"`
	Subnets []string `yaml:"subnets"`
}

type Config struct {
	Enabled       bool          `yaml:"enabled"`
	TCPListenAddr string        `yaml:"tcp_listen_addr"`
	UDPListenAddr string        `yaml:"udp_listen_addr"`
	Routes        []RouteConfig `yaml:"routes"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&cfg.Enabled, "syslog.enabled", false, "Enable the syslog TCP/UDP listeners.")
	f.StringVar(&cfg.TCPListenAddr, "syslog.tcp-listen-addr", ":5514", "TCP syslog listen address; empty disables TCP.")
	f.StringVar(&cfg.UDPListenAddr, "syslog.udp-listen-addr", "", "UDP syslog listen address; empty disables UDP.")
	f.DurationVar(&cfg.ReadTimeout, "syslog.read-timeout", 5*time.Minute, "Idle timeout for TCP syslog connections.")
}

var (
	receivedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "syslog_messages_total",
		Help:      "Syslog messages accepted, by org.",
	}, []string{"org"})
	rejectedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openobserve",
		Name:      "syslog_rejected_messages_total",
		Help:      "Syslog messages rejected, by reason.",
	}, []string{"reason"})
)

// Pusher accepts normalized batches; the ingester satisfies it.
type Pusher interface {
	Push(ctx context.Context, batch record.Batch) error
}

type route struct {
	org     string
	stream  string
	subnets []*net.IPNet
}

// Server accepts syslog traffic and feeds it into the ingestion pipeline.
type Server struct {
	services.Service

	cfg    Config
	logger log.Logger
	pusher Pusher
	routes []route

	tcp net.Listener
	udp net.PacketConn
}

func New(cfg Config, pusher Pusher, logger log.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, pusher: pusher}
	for _, rc := range cfg.Routes {
		if rc.Org == "" || rc.Stream == "" {
			return nil, errors.New("syslog route requires org and stream")
		}
		r := route{org: rc.Org, stream: rc.Stream}
		for _, cidr := range rc.Subnets {
			_, subnet, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, errors.Wrapf(err, "parse syslog route subnet %q", cidr)
			}
			r.subnets = append(r.subnets, subnet)
		}
		s.routes = append(s.routes, r)
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

func (s *Server) starting(_ context.Context) error {
	if s.cfg.TCPListenAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPListenAddr)
		if err != nil {
			return errors.Wrap(err, "listen syslog tcp")
		}
		s.tcp = ln
		go s.acceptLoop()
		level.Info(s.logger).Log("msg", "syslog tcp listener started", "addr", ln.Addr())
	}
	if s.cfg.UDPListenAddr != "" {
		conn, err := net.ListenPacket("udp", s.cfg.UDPListenAddr)
		if err != nil {
			return errors.Wrap(err, "listen syslog udp")
		}
		s.udp = conn
		go s.udpLoop()
		level.Info(s.logger).Log("msg", "syslog udp listener started", "addr", conn.LocalAddr())
	}
	return nil
}

func (s *Server) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *Server) stopping(_ error) error {
	if s.tcp != nil {
		_ = s.tcp.Close()
	}
	if s.udp != nil {
		_ = s.udp.Close()
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			// Listener closed on shutdown.
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn reads newline-framed (non-transparent) syslog messages.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.ingest([]byte(line), conn.RemoteAddr())
	}
}

func (s *Server) udpLoop() {
	buf := make([]byte, 64<<10)
	for {
		n, addr, err := s.udp.ReadFrom(buf)
		if err != nil {
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		s.ingest(msg, addr)
	}
}

func (s *Server) ingest(line []byte, addr net.Addr) {
	matched, ok := s.routeFor(addr)
	if !ok {
		rejectedMessages.WithLabelValues("no_route").Inc()
		level.Debug(s.logger).Log("msg", "syslog sender has no matching route", "addr", addr)
		return
	}
	rec, err := normalizer.ParseSyslogMessage(line, time.Now())
	if err != nil {
		rejectedMessages.WithLabelValues("bad_message").Inc()
		level.Debug(s.logger).Log("msg", "undecodable syslog message", "addr", addr, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = s.pusher.Push(ctx, record.Batch{
		Org:     matched.org,
		Stream:  matched.stream,
		Records: []record.Record{rec},
	})
	if err != nil {
		rejectedMessages.WithLabelValues("push_failed").Inc()
		level.Warn(s.logger).Log("msg", "syslog push failed", "org", matched.org, "stream", matched.stream, "err", err)
		return
	}
	receivedMessages.WithLabelValues(matched.org).Inc()
}

// routeFor returns the first route whose subnets contain the sender's IP.
func (s *Server) routeFor(addr net.Addr) (route, bool) {
	ip := ipOf(addr)
	if ip == nil {
		return route{}, false
	}
	for _, r := range s.routes {
		for _, subnet := range r.subnets {
			if subnet.Contains(ip) {
				return r, true
			}
		}
	}
	return route{}, false
}

func ipOf(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.ParseIP(addr.String())
	}
	return net.ParseIP(host)
}

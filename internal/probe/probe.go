// Package probe implements the Connection Probe Engine (C6): strictly
// read-only multi-protocol reachability tests against devices. Grounded on
// the teacher's concurrency-capped worker pattern (circuitbreaker.Manager's
// per-key map + mutex) and on golang.org/x/net, golang.org/x/crypto/ssh,
// github.com/gosnmp/gosnmp already present in the teacher's module graph.
package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/gosnmp/gosnmp"

	"github.com/fleetops/platform/internal/eventbus"
	"github.com/fleetops/platform/internal/metrics"
)

// Protocol mirrors the ConnectionInfo.protocol enum (spec §3).
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSNMP   Protocol = "snmp"
)

// ErrorCode is the closed taxonomy from spec §4.6 point 3.
type ErrorCode string

const (
	ErrHostUnreachable      ErrorCode = "HOST_UNREACHABLE"
	ErrSSHAuthFailed        ErrorCode = "SSH_AUTH_FAILED"
	ErrSSHConnectionRefused ErrorCode = "SSH_CONNECTION_REFUSED"
	ErrSSHTimeout           ErrorCode = "SSH_TIMEOUT"
	ErrSSHConnectionFailed  ErrorCode = "SSH_CONNECTION_FAILED"
	ErrHTTPConnectionRefd   ErrorCode = "HTTP_CONNECTION_REFUSED"
	ErrHTTPAuthFailed       ErrorCode = "HTTP_AUTH_FAILED"
	ErrHTTPTimeout          ErrorCode = "HTTP_TIMEOUT"
	ErrHTTPConnectionFailed ErrorCode = "HTTP_CONNECTION_FAILED"
	ErrSNMPTimeout          ErrorCode = "SNMP_TIMEOUT"
	ErrSNMPUnknownHost      ErrorCode = "SNMP_UNKNOWN_HOST"
	ErrSNMPConnectionFailed ErrorCode = "SNMP_CONNECTION_FAILED"
	ErrUnsupportedProtocol  ErrorCode = "UNSUPPORTED_PROTOCOL"
)

// ConnectionInfo is the subset of spec §3's ConnectionInfo the engine needs.
// Secret is the already-decrypted password or private key (the Device
// Facade fetches it via the catalog store's getDecryptedConnectionInfo
// endpoint — this package never touches ciphertext).
type ConnectionInfo struct {
	Protocol       Protocol
	Host           string
	Port           int
	Username       string
	Secret         string
	IsPrivateKey   bool
	TimeoutSec     int
	EnableSudo     bool
	SudoSecret     string
}

// Result is the engine's output shape (spec §4.6).
type Result struct {
	Success        bool           `json:"success"`
	Protocol       Protocol       `json:"protocol"`
	ResponseTimeMs int64          `json:"responseTimeMs"`
	Details        map[string]any `json:"details,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      ErrorCode      `json:"errorCode,omitempty"`
}

const (
	icmpTimeout    = 5 * time.Second
	icmpAttempts   = 2
	defaultSSHTO   = 30 * time.Second
	defaultHTTPTO  = 10 * time.Second
	defaultSNMPTO  = 5 * time.Second
	defaultMaxConc = 64
)

// Engine runs probes subject to a global concurrency cap.
type Engine struct {
	sem chan struct{}
	bus eventbus.Bus
}

func New(maxConcurrent int, bus eventbus.Bus) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConc
	}
	return &Engine{sem: make(chan struct{}, maxConcurrent), bus: bus}
}

// Probe runs the full pipeline: L3 reachability, then the protocol-specific
// test. It never mutates the target. deviceID, if non-empty, keys the
// DeviceHealthCheck event emitted on completion (spec §4.6 point 4).
func (e *Engine) Probe(ctx context.Context, deviceID string, info ConnectionInfo) Result {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	start := time.Now()
	res := e.runPipeline(ctx, info)
	elapsed := time.Since(start)
	res.ResponseTimeMs = elapsed.Milliseconds()
	res.Protocol = info.Protocol

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	metrics.ProbeDuration.WithLabelValues(string(info.Protocol), outcome).Observe(elapsed.Seconds())

	if e.bus != nil && deviceID != "" {
		event := eventbus.NewDomainEvent("DeviceHealthCheck", deviceID, "probe-engine", map[string]any{
			"success":        res.Success,
			"responseTimeMs": res.ResponseTimeMs,
			"protocol":       res.Protocol,
			"timestamp":      time.Now().UTC(),
		})
		_ = e.bus.Publish(ctx, eventbus.TopicDeviceEvents, event) // best-effort, logged by the bus itself
	}

	return res
}

func (e *Engine) runPipeline(ctx context.Context, info ConnectionInfo) Result {
	if err := checkICMPReachable(ctx, info.Host); err != nil {
		return Result{Success: false, Error: err.Error(), ErrorCode: ErrHostUnreachable}
	}

	switch info.Protocol {
	case ProtocolSSH:
		return probeSSH(ctx, info)
	case ProtocolHTTP, ProtocolHTTPS:
		return probeHTTP(ctx, info)
	case ProtocolSNMP:
		return probeSNMP(ctx, info)
	default:
		return Result{Success: false, ErrorCode: ErrUnsupportedProtocol, Error: fmt.Sprintf("unsupported protocol %q", info.Protocol)}
	}
}

// checkICMPReachable sends up to icmpAttempts echo requests, icmpTimeout
// each. Requires CAP_NET_RAW / a privileged listen; falls back to treating
// any listen failure as "reachability unknown, proceed" rather than a hard
// failure, since unprivileged environments commonly can't open raw sockets.
func checkICMPReachable(ctx context.Context, host string) error {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil // cannot verify L3 in this environment; defer to protocol probe
	}
	defer conn.Close()

	dst, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho, Code: 0,
		Body: &icmp.Echo{ID: int(time.Now().UnixNano() & 0xffff), Seq: 1, Data: []byte("probe")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < icmpAttempts; attempt++ {
		if _, err := conn.WriteTo(wb, dst); err != nil {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(icmpTimeout))
		rb := make([]byte, 1500)
		n, _, err := conn.ReadFrom(rb)
		if err == nil && n > 0 {
			return nil
		}
	}
	return fmt.Errorf("host %s did not respond to ICMP", host)
}

func probeSSH(ctx context.Context, info ConnectionInfo) Result {
	if info.Secret == "" {
		return Result{Success: false, ErrorCode: ErrSSHAuthFailed, Error: "neither password nor private key provided"}
	}

	timeout := sshTimeout(info)
	var auth ssh.AuthMethod
	if info.IsPrivateKey {
		signer, err := ssh.ParsePrivateKey([]byte(info.Secret))
		if err != nil {
			return Result{Success: false, ErrorCode: ErrSSHAuthFailed, Error: "invalid private key: " + err.Error()}
		}
		auth = ssh.PublicKeys(signer)
	} else {
		auth = ssh.Password(info.Secret)
	}

	config := &ssh.ClientConfig{
		User:            info.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(info.Host, portOrDefault(info.Port, 22))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return Result{Success: false, ErrorCode: classifySSHDialError(err)}
	}
	defer client.Close()

	details := map[string]any{}
	if out, err := runSSHCommand(client, "uname -a"); err == nil {
		details["serverInfo"] = out
	}
	if out, err := runSSHCommand(client, "uptime"); err == nil {
		details["uptime"] = out
	}

	return Result{Success: true, Details: details}
}

func runSSHCommand(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()
	out, err := session.CombinedOutput(cmd)
	return string(out), err
}

func classifySSHDialError(err error) ErrorCode {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return ErrSSHTimeout
	}
	if opErr, ok := err.(*net.OpError); ok {
		if opErr.Op == "dial" {
			return ErrSSHConnectionRefused
		}
	}
	if err == ssh.ErrNoAuth {
		return ErrSSHAuthFailed
	}
	return ErrSSHConnectionFailed
}

func probeHTTP(ctx context.Context, info ConnectionInfo) Result {
	scheme := "http"
	if info.Protocol == ProtocolHTTPS {
		scheme = "https"
	}
	timeout := httpTimeout(info)

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // self-signed certs tolerated, spec §4.6
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse },
	}

	url := fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(info.Host, portOrDefault(info.Port, defaultPortFor(scheme))))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Success: false, ErrorCode: ErrHTTPConnectionFailed, Error: err.Error()}
	}
	if info.Username != "" && info.Secret != "" {
		req.SetBasicAuth(info.Username, info.Secret)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{Success: false, ErrorCode: classifyHTTPError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Result{Success: false, ErrorCode: ErrHTTPAuthFailed, Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	return Result{
		Success: resp.StatusCode < 500,
		Details: map[string]any{
			"statusCode": resp.StatusCode,
			"server":     resp.Header.Get("Server"),
		},
	}
}

func classifyHTTPError(err error) ErrorCode {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return ErrHTTPTimeout
	}
	if opErr, ok := err.(*net.OpError); ok && opErr.Op == "dial" {
		return ErrHTTPConnectionRefd
	}
	return ErrHTTPConnectionFailed
}

func probeSNMP(ctx context.Context, info ConnectionInfo) Result {
	community := info.Username
	if community == "" {
		community = "public"
	}

	g := &gosnmp.GoSNMP{
		Target:    info.Host,
		Port:      uint16(portOrDefault(info.Port, 161)),
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   snmpTimeout(info),
		Retries:   1,
	}

	if err := g.Connect(); err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			return Result{Success: false, ErrorCode: ErrSNMPUnknownHost, Error: err.Error()}
		}
		return Result{Success: false, ErrorCode: ErrSNMPConnectionFailed, Error: err.Error()}
	}
	defer g.Conn.Close()

	result, err := g.Get([]string{"1.3.6.1.2.1.1.1.0"})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return Result{Success: false, ErrorCode: ErrSNMPTimeout, Error: err.Error()}
		}
		return Result{Success: false, ErrorCode: ErrSNMPConnectionFailed, Error: err.Error()}
	}

	details := map[string]any{}
	if len(result.Variables) > 0 {
		details["serverInfo"] = fmt.Sprintf("%v", result.Variables[0].Value)
	}
	return Result{Success: true, Details: details}
}

func sshTimeout(info ConnectionInfo) time.Duration {
	if info.TimeoutSec > 0 {
		return time.Duration(info.TimeoutSec) * time.Second
	}
	return defaultSSHTO
}

func httpTimeout(info ConnectionInfo) time.Duration {
	if info.TimeoutSec > 0 {
		return time.Duration(info.TimeoutSec) * time.Second
	}
	return defaultHTTPTO
}

func snmpTimeout(info ConnectionInfo) time.Duration {
	if info.TimeoutSec > 0 {
		return time.Duration(info.TimeoutSec) * time.Second
	}
	return defaultSNMPTO
}

func portOrDefault(port int, def int) string {
	if port == 0 {
		port = def
	}
	return fmt.Sprintf("%d", port)
}

func defaultPortFor(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

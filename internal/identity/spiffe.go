// SPIFFE-based mTLS identity for the Gateway's optional trust-by-topology
// layer toward downstream services. Degrades cleanly when no SPIRE agent is
// present — the Gateway simply doesn't construct a Verifier.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// SPIFFEVerifier verifies SPIFFE SVIDs presented by downstream services.
type SPIFFEVerifier struct {
	source *workloadapi.X509Source
}

// NewSPIFFEVerifier connects to the local SPIRE agent at socketPath. A 3s
// timeout keeps a missing SPIRE agent from blocking service startup.
func NewSPIFFEVerifier(socketPath string) (*SPIFFEVerifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: connect to SPIRE at %s: %w", socketPath, err)
	}

	slog.Info("connected to SPIRE agent", "socket_path", socketPath)
	return &SPIFFEVerifier{source: source}, nil
}

// VerifySVID checks the current workload SVID against an expected SPIFFE ID
// and returns a short hash of the certificate for audit logging.
func (sv *SPIFFEVerifier) VerifySVID(expected string) (uint64, error) {
	id, err := spiffeid.FromString(expected)
	if err != nil {
		return 0, fmt.Errorf("identity: invalid SPIFFE ID %q: %w", expected, err)
	}

	svid, err := sv.source.GetX509SVID()
	if err != nil {
		return 0, fmt.Errorf("identity: fetch SVID: %w", err)
	}

	if svid.ID.String() != id.String() {
		return 0, fmt.Errorf("identity: SPIFFE ID mismatch: expected %s, got %s", id, svid.ID)
	}

	return svidHash(svid.Certificates[0].Raw), nil
}

func svidHash(certDER []byte) uint64 {
	hash := sha256.Sum256(certDER)
	var result uint64
	for i := 0; i < 8; i++ {
		result = (result << 8) | uint64(hash[i])
	}
	return result
}

// GetTLSConfig returns a client TLS config performing mTLS against any peer
// presenting a valid SVID from the same trust domain.
func (sv *SPIFFEVerifier) GetTLSConfig() (*tls.Config, error) {
	return tlsconfig.MTLSClientConfig(sv.source, sv.source, tlsconfig.AuthorizeAny()), nil
}

func (sv *SPIFFEVerifier) Close() error {
	return sv.source.Close()
}

// GenerateSPIFFEID builds a SPIFFE ID for a service instance under the
// given trust domain, e.g. spiffe://platform.local/service/gateway.
func GenerateSPIFFEID(trustDomain, serviceName string) string {
	return fmt.Sprintf("spiffe://%s/service/%s", trustDomain, serviceName)
}

package kubernetes

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/auth/capability"
	"github.com/rhuss/toolrunner/pkg/runtime"
)

// Config configures a Provisioner.
type Config struct {
	Namespace    string
	Template     string
	ServerPort   int
	ClaimTimeout time.Duration

	// CallbackURL is the orchestrator's vault endpoint as seen from the pod.
	// Tools with the vault capability fail their vault calls without it.
	CallbackURL string

	// Issuer mints vault capability tokens. Nil disables vault callbacks.
	Issuer *capability.Issuer

	HTTPClient *http.Client
}

// Provisioner claims one agent-sandbox pod per worker.
type Provisioner struct {
	lang     api.Language
	cfg      Config
	acquirer *ClaimAcquirer
	http     *http.Client
}

var _ runtime.Provisioner = (*Provisioner)(nil)

// New creates a Provisioner for lang backed by c.
func New(c client.Client, lang api.Language, cfg Config) (*Provisioner, error) {
	if cfg.Template == "" {
		return nil, fmt.Errorf("no SandboxTemplate configured for %s", lang)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 2 * time.Minute
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Provisioner{
		lang:     lang,
		cfg:      cfg,
		acquirer: NewClaimAcquirer(c, cfg.Template, cfg.Namespace, cfg.ServerPort, cfg.ClaimTimeout),
		http:     hc,
	}, nil
}

// Language implements runtime.Provisioner.
func (p *Provisioner) Language() api.Language {
	return p.lang
}

// Provision claims a pod and waits for its sandbox-server to answer.
func (p *Provisioner) Provision(ctx context.Context, workerID string) (runtime.Sandbox, error) {
	url, release, err := p.acquirer.Acquire(ctx, p.lang, workerID)
	if err != nil {
		return nil, err
	}

	sb := newSandbox(workerID, url, release, p.http, p.cfg.CallbackURL, p.cfg.Issuer)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error { return sb.Ping(ctx) }, backoff.WithContext(b, ctx)); err != nil {
		_ = sb.Terminate(context.Background())
		return nil, fmt.Errorf("sandbox-server for worker %s not ready: %w", workerID, err)
	}
	return sb, nil
}

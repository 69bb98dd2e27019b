// Package kubernetes runs tool code in agent-sandbox pods.
//
// Each worker is backed by one SandboxClaim. The claimed pod runs
// sandbox-server, which drives the language harness and relays vault
// calls back to the orchestrator with a capability token. Deleting the
// claim tears the pod down.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/rhuss/toolrunner/pkg/api"
)

const (
	labelLanguage = "toolrunner.io/language"
	labelWorker   = "toolrunner.io/worker"

	pollInterval = 500 * time.Millisecond
)

// ClaimAcquirer creates and deletes SandboxClaims. Each Acquire creates
// one claim, waits for the matching Sandbox to become ready, and returns
// its service URL.
type ClaimAcquirer struct {
	client    client.Client
	template  string
	namespace string
	port      int
	timeout   time.Duration
}

// NewClaimAcquirer creates a ClaimAcquirer for one SandboxTemplate.
func NewClaimAcquirer(c client.Client, template, namespace string, port int, timeout time.Duration) *ClaimAcquirer {
	if port == 0 {
		port = 8080
	}
	return &ClaimAcquirer{
		client:    c,
		template:  template,
		namespace: namespace,
		port:      port,
		timeout:   timeout,
	}
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*k8sruntime.Scheme, error) {
	scheme := k8sruntime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// claimName derives the claim name from a worker ID. Kubernetes names
// are lowercase, so uppercase letters are escaped with a "u" prefix.
func claimName(workerID string) string {
	var b strings.Builder
	b.WriteString("toolrunner-")
	for _, r := range strings.TrimPrefix(workerID, "wrk_") {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteByte('u')
			b.WriteRune(r + ('a' - 'A'))
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Acquire creates a claim for workerID and returns the sandbox URL with a
// release function that deletes the claim.
func (a *ClaimAcquirer) Acquire(ctx context.Context, lang api.Language, workerID string) (string, func(), error) {
	name := claimName(workerID)

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: a.namespace,
			Labels: map[string]string{
				labelLanguage: string(lang),
				labelWorker:   strings.ToLower(strings.TrimPrefix(workerID, "wrk_")),
			},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
				Name: a.template,
			},
		},
	}

	if err := a.client.Create(ctx, claim); err != nil {
		return "", nil, fmt.Errorf("create SandboxClaim %q: %w", name, err)
	}
	slog.Debug("created SandboxClaim", "name", name, "namespace", a.namespace, "template", a.template)

	fqdn, err := a.waitForReady(ctx, name)
	if err != nil {
		a.deleteClaim(context.Background(), name)
		return "", nil, err
	}

	url := fmt.Sprintf("http://%s:%d", fqdn, a.port)
	release := func() {
		a.deleteClaim(context.Background(), name)
	}
	slog.Debug("sandbox acquired", "name", name, "url", url)
	return url, release, nil
}

// waitForReady polls the Sandbox until its Ready condition is True or the
// timeout expires.
func (a *ClaimAcquirer) waitForReady(ctx context.Context, name string) (string, error) {
	deadline := time.NewTimer(a.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("context cancelled waiting for Sandbox %q: %w", name, ctx.Err())
		case <-deadline.C:
			return "", fmt.Errorf("timeout waiting for Sandbox %q to become ready (waited %s)", name, a.timeout)
		case <-ticker.C:
			sandbox := &sandboxv1alpha1.Sandbox{}
			key := types.NamespacedName{Name: name, Namespace: a.namespace}
			if err := a.client.Get(ctx, key, sandbox); err != nil {
				// The controller may not have created it yet.
				continue
			}
			if isReady(sandbox) && sandbox.Status.ServiceFQDN != "" {
				return sandbox.Status.ServiceFQDN, nil
			}
		}
	}
}

func isReady(sandbox *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sandbox.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// deleteClaim logs failures; it runs on release and cleanup paths.
func (a *ClaimAcquirer) deleteClaim(ctx context.Context, name string) {
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: a.namespace,
		},
	}
	if err := a.client.Delete(ctx, claim); err != nil {
		slog.Warn("failed to delete SandboxClaim", "name", name, "namespace", a.namespace, "error", err.Error())
		return
	}
	slog.Debug("deleted SandboxClaim", "name", name, "namespace", a.namespace)
}

// Package k8s gates broadcast reconciliation on a Kubernetes Lease so that
// only one replica drives provider broadcasts at a time.
package k8s

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/client-go/util/homedir"

	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/log"
)

const (
	defaultLeaseDuration = 15 * time.Second
	defaultRenewDeadline = 10 * time.Second
	defaultRetryPeriod   = 2 * time.Second
	reelectDelay         = time.Second
)

// Config holds configuration for leader election.
type Config struct {
	InCluster      bool
	KubeConfigPath string
	Namespace      string
	LeaseName      string
	// Identity names this replica in the Lease, usually the pod name.
	Identity string

	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// Elector campaigns for a Lease and runs a callback while it holds it.
type Elector struct {
	clientset kubernetes.Interface
	cfg       Config
}

// NewElector builds a Kubernetes client from cfg and returns an elector.
func NewElector(cfg Config) (*Elector, error) {
	restConfig, err := restConfig(cfg)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return newElector(clientset, cfg)
}

func newElector(clientset kubernetes.Interface, cfg Config) (*Elector, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("leader election identity is required")
	}
	if cfg.LeaseName == "" {
		return nil, fmt.Errorf("lease name is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.RenewDeadline <= 0 {
		cfg.RenewDeadline = defaultRenewDeadline
	}
	if cfg.RetryPeriod <= 0 {
		cfg.RetryPeriod = defaultRetryPeriod
	}
	return &Elector{clientset: clientset, cfg: cfg}, nil
}

func restConfig(cfg Config) (*rest.Config, error) {
	if cfg.InCluster {
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		return config, nil
	}

	kubeconfig := cfg.KubeConfigPath
	if kubeconfig == "" {
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("create out-of-cluster config: %w", err)
	}
	return config, nil
}

// Run campaigns until ctx is cancelled. lead is called with a context that
// is cancelled when leadership is lost; Run campaigns again afterwards.
func (e *Elector) Run(ctx context.Context, lead func(ctx context.Context)) error {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      e.cfg.LeaseName,
			Namespace: e.cfg.Namespace,
		},
		Client: e.clientset.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: e.cfg.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   e.cfg.LeaseDuration,
		RenewDeadline:   e.cfg.RenewDeadline,
		RetryPeriod:     e.cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            e.cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(leadCtx context.Context) {
				log.Info("acquired leadership", zap.String("lease", e.cfg.LeaseName))
				lead(leadCtx)
			},
			OnStoppedLeading: func() {
				log.Info("lost leadership", zap.String("lease", e.cfg.LeaseName))
			},
			OnNewLeader: func(identity string) {
				if identity != e.cfg.Identity {
					log.Info("observed leader", zap.String("identity", identity))
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create leader elector: %w", err)
	}

	for {
		elector.Run(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reelectDelay):
		}
	}
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/dawsonblock/dsrouter/internal/providers"
	"github.com/dawsonblock/dsrouter/internal/providers/anthropiclike"
	"github.com/dawsonblock/dsrouter/internal/providers/local"
	"github.com/dawsonblock/dsrouter/internal/providers/openaicompat"
	"github.com/dawsonblock/dsrouter/internal/store"
)

// ThresholdOverrides are optional routing threshold overrides carried in the
// descriptor file. Nil fields leave the environment-configured value alone.
type ThresholdOverrides struct {
	ConfThreshold    *float64 `yaml:"conf_threshold"`
	SupportThreshold *float64 `yaml:"support_threshold"`
	MaxCoTTokens     *int     `yaml:"max_cot_tokens"`
}

// providersFile is the on-disk YAML layout of the descriptor file.
type providersFile struct {
	Providers  []providers.Descriptor `yaml:"providers"`
	Thresholds *ThresholdOverrides    `yaml:"thresholds"`
}

// LoadDescriptors reads and validates the provider descriptor file.
func LoadDescriptors(path string) ([]providers.Descriptor, *ThresholdOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read providers file: %w", err)
	}
	var pf providersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	if len(pf.Providers) == 0 {
		return nil, nil, fmt.Errorf("providers file %s declares no providers", path)
	}
	seen := make(map[string]struct{}, len(pf.Providers))
	for _, d := range pf.Providers {
		if d.Name == "" {
			return nil, nil, fmt.Errorf("providers file %s: descriptor with empty name", path)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, nil, fmt.Errorf("providers file %s: duplicate provider %q", path, d.Name)
		}
		seen[d.Name] = struct{}{}
		switch d.Tier {
		case providers.TierFast, providers.TierReasoning, providers.TierAdvanced, providers.TierLocal:
		default:
			return nil, nil, fmt.Errorf("provider %q: unknown tier %q", d.Name, d.Tier)
		}
	}
	return pf.Providers, pf.Thresholds, nil
}

// DefaultDescriptors is the bootstrap provider set used when no descriptor
// file is configured. Only the local tier is usable without API keys.
func DefaultDescriptors() []providers.Descriptor {
	return []providers.Descriptor{
		{
			Name:              "local-fallback",
			Tier:              providers.TierLocal,
			Transport:         "local",
			MaxOutputTokens:   512,
			SupportsStreaming: true,
			ConfidencePrior:   0.3,
		},
	}
}

// BuildProviders constructs adapters for each descriptor. API keys are
// resolved from the environment variable named by APIKeyEnv at call time, so
// re-running this is how a secrets reload takes effect. A remote descriptor
// whose key is absent is skipped with a warning rather than failing the
// whole set.
func BuildProviders(descs []providers.Descriptor, timeout time.Duration, client *http.Client, logger *slog.Logger) ([]providers.Provider, error) {
	out := make([]providers.Provider, 0, len(descs))
	for _, d := range descs {
		switch d.Transport {
		case "openai":
			key := os.Getenv(d.APIKeyEnv)
			if key == "" {
				logger.Warn("skipping provider, API key not set",
					slog.String("provider", d.Name), slog.String("env", d.APIKeyEnv))
				continue
			}
			opts := []openaicompat.Option{}
			if client != nil {
				opts = append(opts, openaicompat.WithHTTPClient(client))
			}
			opts = append(opts, openaicompat.WithTimeout(timeout))
			out = append(out, openaicompat.New(d, key, opts...))
		case "anthropic":
			key := os.Getenv(d.APIKeyEnv)
			if key == "" {
				logger.Warn("skipping provider, API key not set",
					slog.String("provider", d.Name), slog.String("env", d.APIKeyEnv))
				continue
			}
			opts := []anthropiclike.Option{}
			if client != nil {
				opts = append(opts, anthropiclike.WithHTTPClient(client))
			}
			opts = append(opts, anthropiclike.WithTimeout(timeout))
			out = append(out, anthropiclike.New(d, key, opts...))
		case "local":
			out = append(out, local.New(d))
		default:
			return nil, fmt.Errorf("provider %q: unknown transport %q", d.Name, d.Transport)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable providers after key resolution")
	}
	return out, nil
}

// mirrorDescriptors persists the active descriptor set so the admin surface
// can list what is configured even across restarts.
func mirrorDescriptors(ctx context.Context, st store.Store, descs []providers.Descriptor, now time.Time) error {
	for _, d := range descs {
		spec, err := json.Marshal(d)
		if err != nil {
			return err
		}
		rec := store.DescriptorRecord{
			Name:      d.Name,
			Tier:      string(d.Tier),
			Spec:      string(spec),
			UpdatedAt: now,
		}
		if err := st.UpsertDescriptor(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// descriptorWatcher watches the providers file and fires onReload after a
// quiet period. Editors often produce several write events per save; the
// debounce collapses them into one reload.
type descriptorWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onReload func()
	logger   *slog.Logger
	done     chan struct{}
}

func newDescriptorWatcher(path string, debounce time.Duration, onReload func(), logger *slog.Logger) (*descriptorWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	w := &descriptorWatcher{
		watcher:  fw,
		path:     path,
		debounce: debounce,
		onReload: onReload,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *descriptorWatcher) run() {
	var timer *time.Timer
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Chmod fires on metadata-only changes; nothing to reload.
			if ev.Op == fsnotify.Chmod {
				continue
			}
			// Some editors replace the file, which removes the watch.
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := w.watcher.Add(w.path); err != nil {
					w.logger.Warn("re-adding providers file watch", slog.Any("error", err))
				}
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, w.onReload)
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("providers file watcher", slog.Any("error", err))
		}
	}
}

func (w *descriptorWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

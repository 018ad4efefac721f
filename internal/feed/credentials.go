package feed

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
)

// Credentials authenticates one brokerage account.
type Credentials struct {
	APIKey      string `yaml:"api_key" json:"api_key"`
	AccountID   string `yaml:"account_id" json:"account_id"`
	Environment string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

func (c Credentials) validate(broker string) error {
	if c.APIKey == "" {
		return fmt.Errorf("feed: credentials for broker %q missing api_key", broker)
	}
	if c.AccountID == "" {
		return fmt.Errorf("feed: credentials for broker %q missing account_id", broker)
	}
	return nil
}

// CredentialSource supplies the credentials for the next upstream call, so
// rotated tokens reach new stream cycles without a restart.
type CredentialSource interface {
	Current() Credentials
}

// StaticCredentials adapts fixed credentials to CredentialSource.
type StaticCredentials Credentials

// Current returns the fixed credentials.
func (s StaticCredentials) Current() Credentials { return Credentials(s) }

// LoadCredentials reads one broker's entry from a credentials file mapping
// broker names to credential objects. Both JSON and YAML encodings parse.
// A missing file, unparseable content, an absent broker entry or incomplete
// credentials are all errors; callers treat them as fatal at startup.
func LoadCredentials(path, broker string) (Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("feed: read credentials: %w", err)
	}
	return parseCredentials(raw, path, broker)
}

func parseCredentials(raw []byte, path, broker string) (Credentials, error) {
	var byBroker map[string]Credentials
	if err := yaml.Unmarshal(raw, &byBroker); err != nil {
		return Credentials{}, fmt.Errorf("feed: parse credentials %s: %w", path, err)
	}
	creds, ok := byBroker[broker]
	if !ok {
		return Credentials{}, fmt.Errorf("feed: no credentials for broker %q in %s", broker, path)
	}
	if err := creds.validate(broker); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// CredentialsWatcher serves the current credentials for one broker and
// reloads the backing file when it changes. Reload failures keep the last
// good snapshot.
type CredentialsWatcher struct {
	path   string
	broker string
	logger pslog.Logger

	mu      sync.RWMutex
	current Credentials

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// WatchCredentials loads the file once, failing like LoadCredentials, then
// watches the file's directory for changes. Watching the directory rather
// than the file survives editors and secret managers that replace the file.
func WatchCredentials(path, broker string, logger pslog.Logger) (*CredentialsWatcher, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	creds, err := LoadCredentials(path, broker)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("feed: create credentials watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("feed: watch credentials directory %q: %w", dir, err)
	}
	w := &CredentialsWatcher{
		path:    path,
		broker:  broker,
		logger:  logger,
		current: creds,
		watcher: watcher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Current returns the latest good snapshot.
func (w *CredentialsWatcher) Current() Credentials {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *CredentialsWatcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
		<-w.done
	})
	return nil
}

func (w *CredentialsWatcher) run() {
	defer close(w.done)
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("feed.credentials.watch_error", "error", err)
		}
	}
}

func (w *CredentialsWatcher) reload() {
	creds, err := LoadCredentials(w.path, w.broker)
	if err != nil {
		w.logger.Warn("feed.credentials.reload_failed", "error", err)
		return
	}
	w.mu.Lock()
	changed := creds != w.current
	w.current = creds
	w.mu.Unlock()
	if changed {
		w.logger.Info("feed.credentials.reloaded", "broker", w.broker)
	}
}

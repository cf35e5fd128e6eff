package persistence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/controller"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/resource"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
	"github.com/openfroyo/mgmtd/pkg/validation"
)

// BootDocumentVersion is the version written to boot files.
const BootDocumentVersion = 1

// FilePersister keeps the model in a YAML boot file:
//
//	version: 1
//	operations:
//	  - address: /subsystem=web
//	    operation: add
//	    params:
//	      port: 8080
//
// Store writes a temporary file next to the boot file; committing renames
// it into place.
type FilePersister struct {
	path   string
	logger *telemetry.Logger

	mu      sync.Mutex
	written [sha256.Size]byte
	watcher *fsnotify.Watcher
}

var _ controller.ConfigurationPersister = (*FilePersister)(nil)

// NewFilePersister creates a persister for the boot file at path.
func NewFilePersister(path string, logger *telemetry.Logger) *FilePersister {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &FilePersister{path: path, logger: logger.NewComponentLogger("persister")}
}

// Path returns the boot file path.
func (p *FilePersister) Path() string { return p.path }

// Load implements controller.ConfigurationPersister. A missing file boots an
// empty model.
func (p *FilePersister) Load(ctx context.Context) ([]*ops.Operation, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		p.logger.Infof("boot file %s not found, starting with an empty model", p.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read boot file: %w", err)
	}
	return DecodeBootDocument(data)
}

// Store implements controller.ConfigurationPersister.
func (p *FilePersister) Store(ctx context.Context, model *resource.Resource, affected []address.PathAddress) (controller.PersistenceResource, error) {
	data, err := EncodeBootDocument(ModelToOperations(model))
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), "."+filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary boot file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write temporary boot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to close temporary boot file: %w", err)
	}

	sum := sha256.Sum256(data)
	return &pending{
		commit: func() error {
			p.mu.Lock()
			defer p.mu.Unlock()
			if err := os.Rename(tmp.Name(), p.path); err != nil {
				_ = os.Remove(tmp.Name())
				return fmt.Errorf("failed to replace boot file: %w", err)
			}
			p.written = sum
			p.logger.Debugf("boot file %s written (%d affected)", p.path, len(affected))
			return nil
		},
		rollback: func() { _ = os.Remove(tmp.Name()) },
	}, nil
}

// Watch calls onChange when the boot file is changed by something other than
// this persister. It returns once the watcher is running; watching stops when
// ctx ends or StopWatching is called.
func (p *FilePersister) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Renames replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(p.path), err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	go p.processEvents(ctx, watcher, onChange)

	p.logger.Infof("watching boot file %s", p.path)
	return nil
}

func (p *FilePersister) processEvents(ctx context.Context, watcher *fsnotify.Watcher, onChange func()) {
	var debounce *time.Timer
	target := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			p.logger.WithField("op", event.Op.String()).Debug("boot file event")

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				if p.changedExternally() {
					p.logger.Warn("boot file changed on disk, reload required")
					onChange()
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.WithError(err).Error("watcher error")
		}
	}
}

func (p *FilePersister) changedExternally() bool {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return sha256.Sum256(data) != p.written
}

// StopWatching stops a watcher started by Watch.
func (p *FilePersister) StopWatching() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		err := p.watcher.Close()
		p.watcher = nil
		return err
	}
	return nil
}

// EncodeBootDocument renders operations as a YAML boot document.
func EncodeBootDocument(list []*ops.Operation) ([]byte, error) {
	doc := node.Object()
	doc.Get("version").Set(node.Int(BootDocumentVersion))
	steps := doc.Get("operations")
	steps.Set(node.List())
	for _, op := range list {
		step := node.Object()
		step.Get("address").Set(addressNode(op.Address))
		step.Get("operation").Set(node.String(op.Name))
		if op.Params != nil && op.Params.Len() > 0 {
			step.Get("params").Set(op.Params.Clone())
		}
		steps.Append(step)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode boot document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode boot document: %w", err)
	}
	return buf.Bytes(), nil
}

// addressNode uses the "/k=v" form unless a value would not parse back.
func addressNode(addr address.PathAddress) *node.Node {
	for _, e := range addr.Elements() {
		if strings.ContainsAny(e.Value, "/[]") {
			list := node.List()
			for _, e := range addr.Elements() {
				elem := node.Object()
				elem.Get(e.Key).Set(node.String(e.Value))
				list.Append(elem)
			}
			return list
		}
	}
	return node.String(addr.String())
}

// DecodeBootDocument parses and validates a YAML boot document.
func DecodeBootDocument(data []byte) ([]*ops.Operation, error) {
	doc := node.New()
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse boot document: %w", err)
	}
	if !doc.IsDefined() {
		return nil, nil
	}
	if err := validation.Check("#BootDocument", doc.Interface()); err != nil {
		return nil, fmt.Errorf("invalid boot document: %w", err)
	}
	if v := doc.Get("version").IntOr(0); v > BootDocumentVersion {
		return nil, fmt.Errorf("unsupported boot document version %d", v)
	}

	steps := doc.Get("operations").Elements()
	out := make([]*ops.Operation, 0, len(steps))
	for i, step := range steps {
		op, err := ops.OperationFromNode(step)
		if err != nil {
			return nil, fmt.Errorf("boot operation %d: %w", i, err)
		}
		out = append(out, op)
	}
	return out, nil
}

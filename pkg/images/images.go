// Package images admits disk images into the registry and propagates
// them to both clusters: the linux catalog receives the bytes, glance
// gets its own copy and hands back a foreign id.
package images

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nubla/slicer/pkg/config"
	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/events"
	"github.com/nubla/slicer/pkg/log"
	"github.com/nubla/slicer/pkg/storage"
	"github.com/nubla/slicer/pkg/types"
)

// maxImageBytes caps admitted images at 1 GiB.
var maxImageBytes int64 = 1 << 30

// Importer is the per-zone image contract of the cluster drivers.
type Importer interface {
	ImportImage(ctx context.Context, image *types.Image, path string) (string, error)
	DeleteImage(ctx context.Context, image *types.Image) error
}

// runner executes an external command and returns its combined output.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Manager owns the image rows and the files under the image directory.
type Manager struct {
	cfg    *config.Config
	store  storage.Store
	linux  Importer
	osd    Importer
	events *events.Broker
	client *http.Client
	run    runner
	logger zerolog.Logger
}

// New creates the image registry manager.
func New(cfg *config.Config, store storage.Store, linux, openstack Importer, broker *events.Broker) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		linux:  linux,
		osd:    openstack,
		events: broker,
		client: &http.Client{},
		run:    execRun,
		logger: log.WithComponent("images"),
	}
}

// ImportFromURL downloads the image and admits it.
func (m *Manager) ImportFromURL(ctx context.Context, name, description, rawURL string) (*types.Image, error) {
	if err := m.admissible(name, description); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errdefs.Validation("bad image url: %v", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errdefs.DependencyUnavailable("image download failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.Validation("image download answered %d", resp.StatusCode)
	}

	return m.admit(ctx, name, description, "url", resp.Body)
}

// ImportFromFile admits an uploaded image stream.
func (m *Manager) ImportFromFile(ctx context.Context, name, description string, body io.Reader) (*types.Image, error) {
	if err := m.admissible(name, description); err != nil {
		return nil, err
	}
	return m.admit(ctx, name, description, "file", body)
}

func (m *Manager) admissible(name, description string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 30 {
		return errdefs.Validation("image name must be 1-30 characters")
	}
	if len(description) > 100 {
		return errdefs.Validation("image description must be at most 100 characters")
	}
	if _, err := m.store.GetImageByName(name); err == nil {
		return errdefs.Conflict("an image named %q already exists", name)
	} else if !errdefs.Is(err, errdefs.KindNotFound) {
		return err
	}
	return nil
}

// admit stages the bytes, verifies them with qemu-img, inserts the row
// to obtain an id, renames the file to its final name and pushes the
// image to both clusters in parallel. A linux-side failure undoes the
// admission; an openstack failure only leaves the foreign id empty.
func (m *Manager) admit(ctx context.Context, name, description, source string, body io.Reader) (*types.Image, error) {
	if err := os.MkdirAll(m.cfg.ImageDir, 0o755); err != nil {
		return nil, err
	}
	staged, err := os.CreateTemp(m.cfg.ImageDir, "staged-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(staged.Name())

	written, err := io.Copy(staged, io.LimitReader(body, maxImageBytes+1))
	if cerr := staged.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if written > maxImageBytes {
		return nil, errdefs.Validation("image exceeds the 1 GiB limit")
	}

	format, err := m.probe(ctx, staged.Name())
	if err != nil {
		return nil, err
	}

	image := &types.Image{
		Name:        strings.TrimSpace(name),
		Description: description,
		Format:      format,
		SizeGB:      float64(written) / (1 << 30),
		Source:      source,
	}
	if err := m.store.CreateImage(image); err != nil {
		return nil, err
	}

	image.Filename = fmt.Sprintf("image_%d.%s", image.ID, extension(format))
	final := filepath.Join(m.cfg.ImageDir, image.Filename)
	if err := os.Rename(staged.Name(), final); err != nil {
		m.discardRow(image.ID)
		return nil, err
	}
	if err := m.store.UpdateImage(image); err != nil {
		m.discard(image, final)
		return nil, err
	}

	if err := m.propagate(ctx, image, final); err != nil {
		m.discard(image, final)
		return nil, err
	}
	if err := m.store.UpdateImage(image); err != nil {
		return nil, err
	}

	m.events.Publish(&events.Event{
		Type:     events.EventImageRegistered,
		Metadata: map[string]string{"imagen": image.Name, "formato": image.Format},
	})
	m.logger.Info().Int("image_id", image.ID).Str("imagen", image.Name).
		Str("formato", format).Str("tipo", source).Msg("image admitted")
	return image, nil
}

// propagate pushes the image to both clusters. The linux catalog is
// the source the workers boot from, so its upload is required; glance
// failures leave the foreign id empty and the image linux-only.
func (m *Manager) propagate(ctx context.Context, image *types.Image, path string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.Deploy)
	defer cancel()

	var foreignID string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := m.linux.ImportImage(gctx, image, path)
		return err
	})
	g.Go(func() error {
		id, err := m.osd.ImportImage(gctx, image, path)
		if err != nil {
			m.logger.Warn().Err(err).Str("imagen", image.Name).
				Msg("glance import failed, image stays linux-only")
			return nil
		}
		foreignID = id
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	image.ForeignID = foreignID
	return nil
}

// Get returns one registered image.
func (m *Manager) Get(id int) (*types.Image, error) {
	return m.store.GetImage(id)
}

// List returns every registered image.
func (m *Manager) List() ([]*types.Image, error) {
	return m.store.ListImages()
}

// Delete removes the image from both clusters, the image directory and
// the registry. Cluster refusals are logged and the local delete
// proceeds, so a half-gone image can always be reaped.
func (m *Manager) Delete(ctx context.Context, id int) error {
	image, err := m.store.GetImage(id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.Delete)
	defer cancel()

	if err := m.linux.DeleteImage(ctx, image); err != nil {
		m.logger.Warn().Err(err).Str("imagen", image.Name).Msg("linux catalog delete failed")
	}
	if err := m.osd.DeleteImage(ctx, image); err != nil {
		m.logger.Warn().Err(err).Str("imagen", image.Name).Msg("glance delete failed")
	}

	if image.Filename != "" {
		if err := os.Remove(filepath.Join(m.cfg.ImageDir, image.Filename)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := m.store.DeleteImage(image.ID); err != nil {
		return err
	}

	m.logger.Info().Int("image_id", id).Str("imagen", image.Name).Msg("image deleted")
	return nil
}

// probe asks qemu-img for the on-disk format and, for formats that
// support it, runs the integrity check.
func (m *Manager) probe(ctx context.Context, path string) (string, error) {
	out, err := m.run(ctx, "qemu-img", "info", "--output=json", path)
	if err != nil {
		return "", errdefs.Validation("file is not a disk image: %s", firstLine(out))
	}

	var info struct {
		Format string `json:"format"`
	}
	if err := json.Unmarshal(out, &info); err != nil || info.Format == "" {
		return "", errdefs.Validation("qemu-img reported no format")
	}

	if info.Format == "qcow2" {
		if out, err := m.run(ctx, "qemu-img", "check", path); err != nil {
			return "", errdefs.Validation("image failed the integrity check: %s", firstLine(out))
		}
	}
	return info.Format, nil
}

func (m *Manager) discard(image *types.Image, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Error().Err(err).Str("path", path).Msg("failed to remove staged image")
	}
	m.discardRow(image.ID)
}

func (m *Manager) discardRow(id int) {
	if err := m.store.DeleteImage(id); err != nil {
		m.logger.Error().Err(err).Int("image_id", id).Msg("failed to remove image row")
	}
}

func extension(format string) string {
	if format == "raw" {
		return "img"
	}
	return format
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

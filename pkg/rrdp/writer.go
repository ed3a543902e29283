package rrdp

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/rpkid/pkg/log"
	"github.com/cuemby/rpkid/pkg/metrics"
)

// Writer materializes the RRDP tree and rsync mirror for one
// repository. Directory layout:
//
//	<rrdpDir>/notification.xml
//	<rrdpDir>/<session>/<serial>/snapshot.xml
//	<rrdpDir>/<session>/<serial>/delta.xml
//	<rsyncDir>/<path derived from each object's rsync URI>
//
// All files are written to a temporary name and renamed into place;
// notification.xml is always written last, so a polling relying party
// either sees the previous state or the complete new one.
type Writer struct {
	rrdpDir  string
	rsyncDir string
	baseURL  string // HTTPS URL notification/snapshot/delta are served under
}

const tempPrefix = ".tmp-"

// NewWriter creates a Writer rooted at the given directories. baseURL
// is the public HTTPS prefix, e.g. https://repo.example.net/rrdp.
func NewWriter(rrdpDir, rsyncDir, baseURL string) *Writer {
	return &Writer{rrdpDir: rrdpDir, rsyncDir: rsyncDir, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// NotificationPath is where the notification file lives on disk.
func (w *Writer) NotificationPath() string {
	return filepath.Join(w.rrdpDir, "notification.xml")
}

func (w *Writer) serialDir(sessionID string, serial uint64) string {
	return filepath.Join(w.rrdpDir, sessionID, strconv.FormatUint(serial, 10))
}

func (w *Writer) snapshotURL(sessionID string, serial uint64) string {
	return fmt.Sprintf("%s/%s/%d/snapshot.xml", w.baseURL, sessionID, serial)
}

func (w *Writer) deltaURL(sessionID string, serial uint64) string {
	return fmt.Sprintf("%s/%s/%d/delta.xml", w.baseURL, sessionID, serial)
}

// ApplyDelta publishes one new serial: delta and snapshot documents,
// the updated rsync mirror, and finally the notification file with
// bounded delta retention.
func (w *Writer) ApplyDelta(sessionID string, serial uint64, full map[string][]byte, content DeltaContent) error {
	dir := w.serialDir(sessionID, serial)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create serial directory %s: %w", dir, err)
	}

	deltaXML, err := encodeDelta(sessionID, serial, content)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, "delta.xml"), deltaXML); err != nil {
		return err
	}

	snapshotXML, err := encodeSnapshot(sessionID, serial, full)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, "snapshot.xml"), snapshotXML); err != nil {
		return err
	}

	if err := w.mirrorRsync(full); err != nil {
		return err
	}

	deltas := w.retainedDeltas(sessionID, serial, len(snapshotXML))
	deltas = append([]xmlDeltaRef{{
		Serial: serial,
		URI:    w.deltaURL(sessionID, serial),
		Hash:   HashHex(deltaXML),
	}}, deltas...)

	metrics.DeltasRetained.WithLabelValues(w.baseURL).Set(float64(len(deltas)))
	metrics.RRDPSerial.WithLabelValues(w.baseURL).Set(float64(serial))

	return w.writeNotification(sessionID, serial, HashHex(snapshotXML), deltas)
}

// WriteSnapshot publishes a serial with no delta: the first serial of
// a fresh or rotated session, where relying parties must fetch the
// snapshot.
func (w *Writer) WriteSnapshot(sessionID string, serial uint64, full map[string][]byte) error {
	dir := w.serialDir(sessionID, serial)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create serial directory %s: %w", dir, err)
	}
	snapshotXML, err := encodeSnapshot(sessionID, serial, full)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, "snapshot.xml"), snapshotXML); err != nil {
		return err
	}
	if err := w.mirrorRsync(full); err != nil {
		return err
	}
	metrics.RRDPSerial.WithLabelValues(w.baseURL).Set(float64(serial))
	metrics.DeltasRetained.WithLabelValues(w.baseURL).Set(0)
	return w.writeNotification(sessionID, serial, HashHex(snapshotXML), nil)
}

// retainedDeltas loads the previous notification's delta list for the
// same session and trims it: deltas are dropped oldest-first once
// their cumulative size exceeds the new snapshot's size, per the
// RFC 8182 size guidance.
func (w *Writer) retainedDeltas(sessionID string, newSerial uint64, snapshotSize int) []xmlDeltaRef {
	data, err := os.ReadFile(w.NotificationPath())
	if err != nil {
		return nil
	}
	prev, err := parseNotification(data)
	if err != nil || prev.SessionID != sessionID {
		return nil
	}

	cumulative := int64(0)
	var kept []xmlDeltaRef
	for _, ref := range prev.Deltas {
		if ref.Serial >= newSerial {
			continue
		}
		// Contiguity: stop at the first gap.
		if len(kept) > 0 && kept[len(kept)-1].Serial != ref.Serial+1 {
			break
		}
		path := filepath.Join(w.serialDir(sessionID, ref.Serial), "delta.xml")
		info, err := os.Stat(path)
		if err != nil {
			break
		}
		if cumulative+info.Size() > int64(snapshotSize) {
			break
		}
		cumulative += info.Size()
		kept = append(kept, ref)
	}
	return kept
}

func (w *Writer) writeNotification(sessionID string, serial uint64, snapshotHash string, deltas []xmlDeltaRef) error {
	doc, err := encodeNotification(xmlNotification{
		SessionID: sessionID,
		Serial:    serial,
		Snapshot:  xmlRef{URI: w.snapshotURL(sessionID, serial), Hash: snapshotHash},
		Deltas:    deltas,
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(w.NotificationPath(), doc)
}

// CleanPartialFiles removes leftover temporary files from a crashed
// write, called at daemon startup before any new publication.
func (w *Writer) CleanPartialFiles() error {
	for _, root := range []string{w.rrdpDir, w.rsyncDir} {
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !d.IsDir() && strings.HasPrefix(d.Name(), tempPrefix) {
				logger := log.WithComponent("rrdp")
				logger.Warn().Str("path", path).Msg("discarding partially written file")
				return os.Remove(path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("clean partial files under %s: %w", root, err)
		}
	}
	return nil
}

// PruneSessions removes the trees of sessions other than the current
// one, run after a session rotation has been published.
func (w *Writer) PruneSessions(current string) error {
	entries, err := os.ReadDir(w.rrdpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == current {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.rrdpDir, e.Name())); err != nil {
			return fmt.Errorf("prune session %s: %w", e.Name(), err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir, name := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, tempPrefix+name+"-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place %s: %w", path, err)
	}
	return nil
}

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/layerlink/layerlink/internal/fileutil"
	"github.com/layerlink/layerlink/internal/logging"
)

// ErrNoTabAttached is the error for extraction requests without an attachment.
var ErrNoTabAttached = errors.New("No tab attached. Use the extension popup or `layerlink agent --attach` to attach to a tab first.")

// Attachment is the tab extraction requests target.
type Attachment struct {
	TabID    int    `json:"tabId"`
	TabTitle string `json:"tabTitle"`
}

// PreviewCursor is the high-water mark of GTM preview events already
// reported, scoped to one preview session.
type PreviewCursor struct {
	LastReportedEventNumber int    `json:"lastReportedEventNumber"`
	PreviewSessionToken     string `json:"previewSessionToken,omitempty"`
}

// RelayMirror records the relay instance last seen on CONNECTION_ACK.
type RelayMirror struct {
	InstanceID string `json:"instanceId"`
	StartedAt  int64  `json:"startedAt"`
	Version    string `json:"version,omitempty"`
	SeenAt     int64  `json:"seenAt"`
}

type persistedState struct {
	Attachment *Attachment   `json:"attachment,omitempty"`
	Cursor     PreviewCursor `json:"gtmPreviewCursor"`
	Relay      *RelayMirror  `json:"relay,omitempty"`
}

// StateStore is the agent's durable state: the attachment, the GTM preview
// cursor and the relay mirror. Every mutation is written through to disk
// atomically.
type StateStore struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	st       persistedState
	onAttach []func(Attachment)
	onChange []func()
}

// OpenStateStore loads the state at path. A missing file is an empty state.
func OpenStateStore(path string) (*StateStore, error) {
	s := &StateStore{path: path, logger: logging.Agent()}
	if path == "" {
		return s, nil
	}
	if err := fileutil.ReadJSON(path, &s.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load agent state: %w", err)
	}
	if s.st.Cursor.LastReportedEventNumber < 0 {
		s.st.Cursor.LastReportedEventNumber = 0
	}
	return s, nil
}

// OnAttach registers fn to run after every Attach.
func (s *StateStore) OnAttach(fn func(Attachment)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAttach = append(s.onAttach, fn)
}

// OnChange registers fn to run after the attachment changes.
func (s *StateStore) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Attachment returns the current attachment.
func (s *StateStore) Attachment() (Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Attachment == nil {
		return Attachment{}, false
	}
	return *s.st.Attachment, true
}

// RequireAttachment returns the attachment or ErrNoTabAttached.
func (s *StateStore) RequireAttachment() (Attachment, error) {
	a, ok := s.Attachment()
	if !ok {
		return Attachment{}, ErrNoTabAttached
	}
	return a, nil
}

// Attach replaces the attachment and runs the OnAttach hooks.
func (s *StateStore) Attach(tabID int, title string) error {
	a := Attachment{TabID: tabID, TabTitle: title}
	s.mu.Lock()
	s.st.Attachment = &a
	err := s.saveLocked()
	hooks := append([]func(Attachment){}, s.onAttach...)
	changed := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.logger.Info("Attached to tab", "tab_id", tabID, "title", title)
	for _, fn := range hooks {
		fn(a)
	}
	for _, fn := range changed {
		fn()
	}
	return nil
}

// Detach removes the attachment.
func (s *StateStore) Detach() error {
	s.mu.Lock()
	if s.st.Attachment == nil {
		s.mu.Unlock()
		return nil
	}
	s.st.Attachment = nil
	err := s.saveLocked()
	changed := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.logger.Info("Detached from tab")
	for _, fn := range changed {
		fn()
	}
	return nil
}

// OnTabClosed detaches when tabID is the attached tab. It reports whether
// the attachment was removed.
func (s *StateStore) OnTabClosed(tabID int) bool {
	s.mu.Lock()
	if s.st.Attachment == nil || s.st.Attachment.TabID != tabID {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if err := s.Detach(); err != nil {
		s.logger.Warn("Failed to persist auto-detach", "tab_id", tabID, "error", err)
	}
	s.logger.Info("Attached tab closed, detached", "tab_id", tabID)
	return true
}

// Cursor returns the GTM preview cursor.
func (s *StateStore) Cursor() PreviewCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Cursor
}

// AdvanceCursor folds one observation of the preview debugger into the
// cursor and returns the baseline the observation should be compared
// against: events numbered above the baseline are new.
//
// A token different from the stored one starts a new session and resets
// the mark to zero before advancing. Within a session the mark never
// decreases. An empty token keeps the current session.
func (s *StateStore) AdvanceCursor(token string, highest int) (baseline int, cur PreviewCursor, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.st.Cursor
	if token != "" && token != c.PreviewSessionToken {
		if c.PreviewSessionToken != "" {
			s.logger.Info("GTM preview session changed, resetting cursor",
				"previous_token", c.PreviewSessionToken, "token", token)
		}
		c = PreviewCursor{PreviewSessionToken: token}
	}
	baseline = c.LastReportedEventNumber
	if highest > c.LastReportedEventNumber {
		c.LastReportedEventNumber = highest
	}
	if c == s.st.Cursor {
		return baseline, c, nil
	}
	prev := s.st.Cursor
	s.st.Cursor = c
	if err := s.saveLocked(); err != nil {
		s.st.Cursor = prev
		return 0, prev, err
	}
	return baseline, c, nil
}

// ResetCursor clears the GTM preview cursor.
func (s *StateStore) ResetCursor() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Cursor = PreviewCursor{}
	return s.saveLocked()
}

// RecordRelay mirrors the relay instance from a CONNECTION_ACK.
func (s *StateStore) RecordRelay(instanceID string, startedAt int64, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Relay = &RelayMirror{
		InstanceID: instanceID,
		StartedAt:  startedAt,
		Version:    version,
		SeenAt:     time.Now().UnixMilli(),
	}
	return s.saveLocked()
}

// Relay returns the mirrored relay instance.
func (s *StateStore) Relay() (RelayMirror, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Relay == nil {
		return RelayMirror{}, false
	}
	return *s.st.Relay, true
}

func (s *StateStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := fileutil.WriteJSONAtomic(s.path, s.st, 0600); err != nil {
		return fmt.Errorf("failed to save agent state: %w", err)
	}
	return nil
}

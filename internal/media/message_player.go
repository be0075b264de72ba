package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PlayerState is the lifecycle state of a message player item.
type PlayerState int

const (
	PlayerIdle PlayerState = iota
	PlayerLoading
	PlayerPlaying
	PlayerStopped
	PlayerRecording
	PlayerClosed
	PlayerError
)

func (s PlayerState) String() string {
	switch s {
	case PlayerIdle:
		return "idle"
	case PlayerLoading:
		return "loading"
	case PlayerPlaying:
		return "playing"
	case PlayerStopped:
		return "stopped"
	case PlayerRecording:
		return "recording"
	case PlayerClosed:
		return "closed"
	case PlayerError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state ends an item's lifecycle.
func (s PlayerState) Terminal() bool {
	return s == PlayerClosed || s == PlayerError
}

// RecordKind describes what an active recording is destined for.
type RecordKind int

const (
	RecordNone RecordKind = iota
	// RecordUploadURL is a recording bound for a backend upload target.
	RecordUploadURL
)

// MessagePlayer is the greeting/record surface the leave-message workflow
// drives. Implementations deliver state changes through the callback
// registered with OnStateChange; the callback runs on an arbitrary
// goroutine, so consumers post it onto their own loop.
type MessagePlayer interface {
	// Load fetches the item at url and returns its item id. The player
	// moves to PlayerLoading and then to PlayerStopped when ready.
	Load(url string) (string, error)
	Play() error
	Stop()
	Close()

	// RecordStart begins capturing toward the given upload target.
	RecordStart(uploadURL string) error
	RecordStop() error
	RecordKind() RecordKind

	// ItemValid reports whether the id names the currently loaded item.
	ItemValid(itemID string) bool

	// BindCall associates the player with a call session; 0 clears it.
	BindCall(id uint64)
	BoundCall() uint64

	OnStateChange(fn func(PlayerState))
}

// Renderer is the platform playback/capture device behind a player. Playback
// completion is reported through the done callback passed to PlayFile.
type Renderer interface {
	PlayFile(path string, done func(err error)) error
	StopPlayback()
	StartCapture(dest string) error
	StopCapture() error
}

// ErrNoItem is returned by Play when nothing is loaded.
var ErrNoItem = errors.New("media: no item loaded")

// ErrBusy is returned when an operation conflicts with the current state.
var ErrBusy = errors.New("media: player busy")

// Player downloads greeting items over HTTP, plays them through a Renderer,
// and captures recordings destined for a backend upload target.
type Player struct {
	renderer Renderer
	client   *http.Client
	workDir  string
	logger   *slog.Logger

	mu         sync.Mutex
	state      PlayerState
	itemID     string
	itemPath   string
	recordKind RecordKind
	recordPath string
	uploadURL  string
	boundCall  uint64
	stateFn    func(PlayerState)
}

// NewPlayer builds a player that stages downloads and recordings under
// workDir.
func NewPlayer(renderer Renderer, workDir string, logger *slog.Logger) *Player {
	return &Player{
		renderer: renderer,
		client:   &http.Client{Timeout: 30 * time.Second},
		workDir:  workDir,
		logger:   logger.With("subsystem", "media"),
		state:    PlayerIdle,
	}
}

// OnStateChange registers the state callback. Must be called before Load.
func (p *Player) OnStateChange(fn func(PlayerState)) {
	p.mu.Lock()
	p.stateFn = fn
	p.mu.Unlock()
}

// BindCall associates the player with a call session id; 0 clears it.
func (p *Player) BindCall(id uint64) {
	p.mu.Lock()
	p.boundCall = id
	p.mu.Unlock()
}

func (p *Player) BoundCall() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.boundCall
}

func (p *Player) ItemValid(itemID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return itemID != "" && itemID == p.itemID
}

func (p *Player) RecordKind() RecordKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recordKind
}

// Load stages the item for playback. The download runs in the background;
// the player reports PlayerStopped once the item is ready to play, or
// PlayerError if the fetch or validation fails. The returned item id
// identifies this load; a later Load invalidates it.
func (p *Player) Load(url string) (string, error) {
	p.mu.Lock()
	if p.state == PlayerLoading || p.state == PlayerPlaying || p.state == PlayerRecording {
		p.mu.Unlock()
		return "", ErrBusy
	}
	id := uuid.NewString()
	p.itemID = id
	p.itemPath = ""
	p.setStateLocked(PlayerLoading)
	p.mu.Unlock()

	go p.fetchItem(url, id)
	return id, nil
}

// fetchItem downloads and validates one item off the caller's goroutine,
// then publishes the outcome unless a newer Load superseded it.
func (p *Player) fetchItem(url, id string) {
	path, err := p.download(url, id)
	if err == nil {
		if _, checkErr := CheckGreetingFile(path); checkErr != nil {
			os.Remove(path)
			path, err = "", checkErr
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.itemID != id {
		if path != "" {
			os.Remove(path)
		}
		return
	}
	if err != nil {
		p.logger.Warn("loading greeting failed", "item", id, "error", err)
		p.setStateLocked(PlayerError)
		return
	}
	p.itemPath = path
	p.setStateLocked(PlayerStopped)
}

// Play starts playback of the loaded item. Completion or failure is
// reported through the state callback as PlayerStopped or PlayerError.
func (p *Player) Play() error {
	p.mu.Lock()
	if p.itemPath == "" {
		p.mu.Unlock()
		return ErrNoItem
	}
	if p.state == PlayerPlaying || p.state == PlayerRecording {
		p.mu.Unlock()
		return ErrBusy
	}
	id := p.itemID
	path := p.itemPath
	p.setStateLocked(PlayerPlaying)
	p.mu.Unlock()

	err := p.renderer.PlayFile(path, func(playErr error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.itemID != id || p.state != PlayerPlaying {
			return // stopped or superseded meanwhile
		}
		if playErr != nil {
			p.logger.Warn("playback failed", "item", id, "error", playErr)
			p.setStateLocked(PlayerError)
			return
		}
		p.setStateLocked(PlayerStopped)
	})
	if err != nil {
		p.mu.Lock()
		p.setStateLocked(PlayerError)
		p.mu.Unlock()
		return fmt.Errorf("starting playback: %w", err)
	}
	return nil
}

// Stop halts playback without closing the item.
func (p *Player) Stop() {
	p.mu.Lock()
	if p.state != PlayerPlaying {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(PlayerStopped)
	p.mu.Unlock()
	p.renderer.StopPlayback()
}

// Close tears the player down: stops playback or capture, discards the
// staged item, and reports PlayerClosed.
func (p *Player) Close() {
	p.mu.Lock()
	state := p.state
	itemPath := p.itemPath
	recordPath := p.recordPath
	p.itemID = ""
	p.itemPath = ""
	p.recordKind = RecordNone
	p.recordPath = ""
	p.uploadURL = ""
	if state == PlayerClosed {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(PlayerClosed)
	p.mu.Unlock()

	if state == PlayerPlaying {
		p.renderer.StopPlayback()
	}
	if state == PlayerRecording {
		if err := p.renderer.StopCapture(); err != nil {
			p.logger.Warn("stopping capture during close", "error", err)
		}
	}
	if itemPath != "" {
		os.Remove(itemPath)
	}
	if recordPath != "" {
		os.Remove(recordPath)
	}
}

// RecordStart begins capturing toward the backend upload target.
func (p *Player) RecordStart(uploadURL string) error {
	p.mu.Lock()
	if p.state == PlayerPlaying || p.state == PlayerRecording {
		p.mu.Unlock()
		return ErrBusy
	}
	dest := filepath.Join(p.workDir, "record-"+uuid.NewString()+".bin")
	p.recordKind = RecordUploadURL
	p.recordPath = dest
	p.uploadURL = uploadURL
	p.setStateLocked(PlayerRecording)
	p.mu.Unlock()

	if err := p.renderer.StartCapture(dest); err != nil {
		p.mu.Lock()
		p.recordKind = RecordNone
		p.recordPath = ""
		p.uploadURL = ""
		p.setStateLocked(PlayerError)
		p.mu.Unlock()
		return fmt.Errorf("starting capture: %w", err)
	}
	return nil
}

// RecordStop ends capture and hands the result to a background upload
// toward the bound target. An upload failure surfaces as PlayerError.
func (p *Player) RecordStop() error {
	p.mu.Lock()
	if p.state != PlayerRecording {
		p.mu.Unlock()
		return nil
	}
	dest := p.recordPath
	uploadURL := p.uploadURL
	p.recordKind = RecordNone
	p.recordPath = ""
	p.uploadURL = ""
	p.setStateLocked(PlayerStopped)
	p.mu.Unlock()

	if err := p.renderer.StopCapture(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("stopping capture: %w", err)
	}
	if uploadURL == "" {
		os.Remove(dest)
		return nil
	}
	go func() {
		defer os.Remove(dest)
		if err := p.upload(uploadURL, dest); err != nil {
			p.logger.Warn("uploading recording failed", "error", err)
			p.mu.Lock()
			p.setStateLocked(PlayerError)
			p.mu.Unlock()
		}
	}()
	return nil
}

// Discard ends capture and deletes the result without uploading.
func (p *Player) Discard() {
	p.mu.Lock()
	if p.state != PlayerRecording {
		p.mu.Unlock()
		return
	}
	dest := p.recordPath
	p.recordKind = RecordNone
	p.recordPath = ""
	p.uploadURL = ""
	p.setStateLocked(PlayerStopped)
	p.mu.Unlock()

	if err := p.renderer.StopCapture(); err != nil {
		p.logger.Warn("stopping capture during discard", "error", err)
	}
	os.Remove(dest)
}

// setStateLocked updates the state and fires the callback on a fresh
// goroutine, so a re-entrant caller cannot deadlock against p.mu.
func (p *Player) setStateLocked(s PlayerState) {
	p.state = s
	if p.stateFn != nil {
		fn := p.stateFn
		go fn(s)
	}
}

func (p *Player) download(url, id string) (string, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching item: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("item fetch returned status %d", resp.StatusCode)
	}

	dest := filepath.Join(p.workDir, "greeting-"+id+".bin")
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("staging item: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return "", fmt.Errorf("writing item: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("writing item: %w", err)
	}
	return dest, nil
}

func (p *Player) upload(url, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening recording: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPut, url, f)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("upload returned status %d", resp.StatusCode)
	}
	return nil
}

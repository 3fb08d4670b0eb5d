// Package upload ingests avatar images from multipart request bodies.
package upload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path/filepath"
	"strings"
)

// FieldName is the only multipart field accepted as an upload. The part must
// be a file part, i.e. carry a filename parameter; a plain form value under the
// same name is ignored.
const FieldName = "avatar"

var (
	ErrNoAvatar      = errors.New("no avatar file uploaded")
	ErrTooLarge      = errors.New("avatar exceeds size limit")
	ErrMalformed     = errors.New("malformed multipart body")
	ErrProfileUpdate = errors.New("profile update failed")
)

// State is a stage of a single ingestion.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StatePersisting
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StatePersisting:
		return "persisting"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Artifact is a stored upload.
type Artifact struct {
	GeneratedName string
	StoredPath    string
	URL           string
	Size          int64
}

// Storage persists uploads under generated names. Save must not leave a
// partially written file visible under name when it fails.
type Storage interface {
	Save(ctx context.Context, name string, src io.Reader) (path string, size int64, err error)
	Remove(name string) error
}

// ProfileUpdater records the public avatar URL of an account.
type ProfileUpdater interface {
	UpdateAvatar(ctx context.Context, id, avatarURL string) error
}

// IntakeOption configures an Intake.
type IntakeOption func(*Intake)

// WithMaxBytes limits the size of the accepted part. Zero means unlimited.
func WithMaxBytes(n int64) IntakeOption {
	return func(in *Intake) {
		in.maxBytes = n
	}
}

// WithStateHook is called on every state transition.
func WithStateHook(fn func(from, to State)) IntakeOption {
	return func(in *Intake) {
		in.onTransition = fn
	}
}

// Intake streams one avatar part to storage and reports its public URL to the
// profile service.
type Intake struct {
	storage      Storage
	profiles     ProfileUpdater
	publicURL    string
	maxBytes     int64
	onTransition func(from, to State)
}

func NewIntake(storage Storage, profiles ProfileUpdater, publicURL string, opts ...IntakeOption) *Intake {
	in := &Intake{
		storage:   storage,
		profiles:  profiles,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest reads the multipart body and stores the first file part named
// "avatar". Later parts with the same name are drained and ignored, as are
// parts with any other name. On success the profile of ownerID is updated
// exactly once; if that fails the stored file is removed.
func (in *Intake) Ingest(ctx context.Context, body io.Reader, contentType, ownerID string) (*Artifact, error) {
	run := &ingestion{intake: in, state: StateIdle}

	artifact, err := run.receive(ctx, body, contentType)
	if err != nil {
		if artifact != nil {
			_ = in.storage.Remove(artifact.GeneratedName)
		}
		if !errors.Is(err, ErrNoAvatar) {
			run.transition(StateErrored)
		}
		return nil, err
	}

	if err := in.profiles.UpdateAvatar(ctx, ownerID, artifact.URL); err != nil {
		_ = in.storage.Remove(artifact.GeneratedName)
		run.transition(StateErrored)
		return nil, fmt.Errorf("%w: %w", ErrProfileUpdate, err)
	}
	return artifact, nil
}

type ingestion struct {
	intake *Intake
	state  State
}

func (r *ingestion) transition(to State) {
	from := r.state
	r.state = to
	if r.intake.onTransition != nil {
		r.intake.onTransition(from, to)
	}
}

func (r *ingestion) receive(ctx context.Context, body io.Reader, contentType string) (*Artifact, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("%w: content type %q", ErrMalformed, contentType)
	}
	reader := multipart.NewReader(&contextReader{ctx: ctx, r: body}, params["boundary"])

	var artifact *Artifact
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return artifact, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		if !isAvatarPart(part) || artifact != nil {
			_, drainErr := io.Copy(io.Discard, part)
			_ = part.Close()
			if drainErr != nil {
				return artifact, fmt.Errorf("%w: %w", ErrMalformed, drainErr)
			}
			continue
		}

		artifact, err = r.persist(ctx, part)
		_ = part.Close()
		if err != nil {
			return nil, err
		}
	}

	if artifact == nil {
		r.transition(StateCompleted)
		return nil, ErrNoAvatar
	}
	r.transition(StateCompleted)
	return artifact, nil
}

func isAvatarPart(part *multipart.Part) bool {
	if part.FormName() != FieldName {
		return false
	}
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return false
	}
	_, ok := params["filename"]
	return ok
}

func (r *ingestion) persist(ctx context.Context, part *multipart.Part) (*Artifact, error) {
	r.transition(StateReceiving)

	name, err := generateName(part.FileName())
	if err != nil {
		return nil, err
	}

	r.transition(StatePersisting)

	var src io.Reader = &partReader{r: part}
	if r.intake.maxBytes > 0 {
		src = &limitReader{r: src, remaining: r.intake.maxBytes}
	}

	path, size, err := r.intake.storage.Save(ctx, name, src)
	if err != nil {
		return nil, fmt.Errorf("storing %s: %w", name, err)
	}

	return &Artifact{
		GeneratedName: name,
		StoredPath:    path,
		URL:           r.intake.publicURL + "/" + name,
		Size:          size,
	}, nil
}

// generateName returns 32 random hex characters followed by the extension of
// the client-supplied filename, kept as supplied.
func generateName(filename string) (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating name: %w", err)
	}
	name := hex.EncodeToString(buf[:])
	if filename != "" {
		name += filepath.Ext(filename)
	}
	return name, nil
}

// partReader marks read failures of the incoming stream as ErrMalformed so
// they can be told apart from storage failures.
type partReader struct {
	r io.Reader
}

func (p *partReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return n, err
}

// limitReader fails with ErrTooLarge once more than remaining bytes are read.
type limitReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return 0, ErrTooLarge
	}
	return n, err
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Package cards implements the card and group service on top of a store.Connector.
package cards

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/anycard/anycard-go/internal/imaging"
	"github.com/anycard/anycard-go/internal/logutil"
	"github.com/anycard/anycard-go/internal/store"
)

// Errors returned by the service. Handlers map them with errors.Is.
var (
	ErrCardNotFound     = errors.New("card not found")
	ErrGroupNotFound    = errors.New("group not found")
	ErrDefaultGroup     = errors.New("the default group cannot be deleted")
	ErrInvalidGroupName = errors.New("group name must not be empty")
)

// DefaultFilesPrefix is the URL prefix card URLs are built under.
const DefaultFilesPrefix = "/files"

// Config holds service settings.
type Config struct {
	// Salt is mixed into generated filenames.
	Salt string
	// PreviewWidth is the preview target width in pixels.
	PreviewWidth int
	// MaxPixels caps the width*height of accepted uploads.
	MaxPixels int64
	// FilesPrefix is the URL prefix for original and preview URLs.
	FilesPrefix string
}

// Upload is an incoming file.
type Upload struct {
	Name string
	Data []byte
}

// Added is the result of AddCard.
type Added struct {
	Filename string `json:"filename"`
}

// Card is a listed card with its URLs.
type Card struct {
	Filename     string   `json:"filename"`
	Original     string   `json:"original"`
	Preview      string   `json:"preview"`
	Comment      string   `json:"comment"`
	Groups       []string `json:"groups"`
	Owner        string   `json:"owner"`
	OriginalName string   `json:"originalName,omitempty"`
	Size         int64    `json:"size,omitempty"`
}

// Service is the card/group service.
type Service struct {
	conn     store.Connector
	previews *imaging.Previewer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a card service.
func New(conn store.Connector, cfg Config, logger *slog.Logger) *Service {
	if cfg.FilesPrefix == "" {
		cfg.FilesPrefix = DefaultFilesPrefix
	}
	cfg.FilesPrefix = strings.TrimRight(cfg.FilesPrefix, "/")
	return &Service{
		conn:     conn,
		previews: imaging.NewPreviewer(cfg.PreviewWidth, cfg.MaxPixels),
		cfg:      cfg,
		logger:   logutil.NoopIfNil(logger),
		now:      time.Now,
	}
}

// Connector exposes the underlying store for collaborating services.
func (s *Service) Connector() store.Connector {
	return s.conn
}

// generateFilename hashes salt, time, randomness and the original name,
// then keeps the lowercased original extension.
func (s *Service) generateFilename(original string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(s.cfg.Salt))
	h.Write([]byte(strconv.FormatInt(s.now().UnixMilli(), 10)))
	h.Write(nonce)
	h.Write([]byte(original))
	return hex.EncodeToString(h.Sum(nil)) + cleanExt(original), nil
}

// cleanExt returns the lowercased extension when it is plain alphanumerics.
func cleanExt(name string) string {
	ext := strings.ToLower(filepath.Ext(path.Base(filepath.ToSlash(name))))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// AddCard stores a new card. The preview is rendered before anything is
// written, so an undecodable upload leaves no trace. An empty groups list
// puts the card in the default group.
func (s *Service) AddCard(ctx context.Context, owner string, up Upload, comment string, groups []string, email string) (*Added, error) {
	preview, err := s.previews.Preview(up.Data)
	if err != nil {
		return nil, err
	}
	filename, err := s.generateFilename(up.Name)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		groups = []string{store.DefaultGroupID}
	}

	if err := s.conn.EnsureOwner(ctx, owner); err != nil {
		return nil, err
	}
	if err := s.conn.SaveFile(ctx, owner, filename, up.Data); err != nil {
		return nil, err
	}
	meta := &store.Meta{
		Comment:      comment,
		Groups:       groups,
		OriginalName: up.Name,
		Size:         int64(len(up.Data)),
		Email:        email,
	}
	if err := s.conn.SavePreview(ctx, owner, filename, preview); err != nil {
		s.discard(ctx, owner, filename)
		return nil, err
	}
	if err := s.conn.SaveMeta(ctx, owner, filename, meta); err != nil {
		s.discard(ctx, owner, filename)
		return nil, err
	}

	s.logger.Debug("card added", "owner", owner, "filename", filename, "size", meta.Size)
	return &Added{Filename: filename}, nil
}

func (s *Service) discard(ctx context.Context, owner, filename string) {
	if err := s.conn.DeleteFile(ctx, owner, filename); err != nil {
		s.logger.Warn("failed to clean up partial card", "owner", owner, "filename", filename, "error", err)
	}
}

func (s *Service) card(owner, filename string, meta *store.Meta) Card {
	return Card{
		Filename:     filename,
		Original:     fmt.Sprintf("%s/%s/%s", s.cfg.FilesPrefix, owner, filename),
		Preview:      fmt.Sprintf("%s/%s/previews/%s", s.cfg.FilesPrefix, owner, filename),
		Comment:      meta.Comment,
		Groups:       meta.Groups,
		Owner:        owner,
		OriginalName: meta.OriginalName,
		Size:         meta.Size,
	}
}

// ListCards joins the owner's files with their metadata.
func (s *Service) ListCards(ctx context.Context, owner string) ([]Card, error) {
	files, err := s.conn.ListFiles(ctx, owner)
	if err != nil {
		return nil, err
	}
	cards := make([]Card, 0, len(files))
	for _, f := range files {
		meta, err := s.conn.LoadMeta(ctx, owner, f)
		if err != nil {
			return nil, err
		}
		cards = append(cards, s.card(owner, f, meta))
	}
	return cards, nil
}

// CardsInGroup lists the owner's cards that are members of groupID.
func (s *Service) CardsInGroup(ctx context.Context, owner, groupID string) ([]Card, error) {
	all, err := s.ListCards(ctx, owner)
	if err != nil {
		return nil, err
	}
	cards := make([]Card, 0, len(all))
	for _, c := range all {
		if slices.Contains(c.Groups, groupID) {
			cards = append(cards, c)
		}
	}
	return cards, nil
}

func (s *Service) requireCard(ctx context.Context, owner, filename string) error {
	files, err := s.conn.ListFiles(ctx, owner)
	if err != nil {
		return err
	}
	if !slices.Contains(files, filename) {
		return ErrCardNotFound
	}
	return nil
}

// DeleteCard removes a card with its preview and metadata.
func (s *Service) DeleteCard(ctx context.Context, owner, filename string) error {
	if err := s.requireCard(ctx, owner, filename); err != nil {
		return err
	}
	return s.conn.DeleteFile(ctx, owner, filename)
}

// SetComment replaces a card's comment.
func (s *Service) SetComment(ctx context.Context, owner, filename, comment string) (*store.Meta, error) {
	if err := s.requireCard(ctx, owner, filename); err != nil {
		return nil, err
	}
	meta, err := s.conn.LoadMeta(ctx, owner, filename)
	if err != nil {
		return nil, err
	}
	meta.Comment = comment
	if err := s.conn.SaveMeta(ctx, owner, filename, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// ToggleCardGroup adds the card to groupID, or removes it when already a member.
func (s *Service) ToggleCardGroup(ctx context.Context, owner, filename, groupID string) (*store.Meta, error) {
	if err := s.requireCard(ctx, owner, filename); err != nil {
		return nil, err
	}
	if _, err := s.Group(ctx, owner, groupID); err != nil {
		return nil, err
	}
	meta, err := s.conn.LoadMeta(ctx, owner, filename)
	if err != nil {
		return nil, err
	}
	if idx := slices.Index(meta.Groups, groupID); idx >= 0 {
		meta.Groups = slices.Delete(meta.Groups, idx, idx+1)
	} else {
		meta.Groups = append(meta.Groups, groupID)
	}
	if err := s.conn.SaveMeta(ctx, owner, filename, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

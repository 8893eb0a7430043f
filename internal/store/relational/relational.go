// Package relational implements the SQL persistence driver using GORM.
// It registers two names: sqlite (file under data_dir) and postgres (dsn).
package relational

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/anycard/anycard-go/internal/logutil"
	"github.com/anycard/anycard-go/internal/store"
)

// DBFileName is the sqlite database file created under data_dir.
const DBFileName = "anycard.db"

func init() {
	store.Register("sqlite", NewSQLiteDriver)
	store.Register("postgres", NewPostgresDriver)
}

// Driver implements store.Connector on a SQL database.
type Driver struct {
	name      string
	dialector func() gorm.Dialector
	prepare   func() error
	logger    *slog.Logger
	db        *gorm.DB
	closed    bool
}

// NewSQLiteDriver creates a driver backed by a sqlite file in cfg.DataDir.
func NewSQLiteDriver(cfg *store.DriverConfig) (store.Connector, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}
	dbPath := filepath.Join(cfg.DataDir, DBFileName)
	return &Driver{
		name: "sqlite",
		dialector: func() gorm.Dialector {
			return sqlite.Open(dbPath + "?_busy_timeout=5000&_foreign_keys=on")
		},
		prepare: func() error {
			return os.MkdirAll(cfg.DataDir, 0o700)
		},
		logger: logutil.NoopIfNil(cfg.Logger),
	}, nil
}

// NewPostgresDriver creates a driver connected through cfg.DSN.
func NewPostgresDriver(cfg *store.DriverConfig) (store.Connector, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required for postgres driver")
	}
	dsn := cfg.DSN
	return &Driver{
		name: "postgres",
		dialector: func() gorm.Dialector {
			return postgres.Open(dsn)
		},
		logger: logutil.NoopIfNil(cfg.Logger),
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return d.name
}

// Init opens the database and runs AutoMigrate.
func (d *Driver) Init(ctx context.Context) error {
	if d.prepare != nil {
		if err := d.prepare(); err != nil {
			return fmt.Errorf("failed to prepare database location: %w", err)
		}
	}

	db, err := gorm.Open(d.dialector(), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	d.db = db

	if err := db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	d.logger.Debug("database migrated", "dialect", db.Dialector.Name())
	return nil
}

// Close closes the database connection.
func (d *Driver) Close() error {
	d.closed = true
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Driver) conn(ctx context.Context) (*gorm.DB, error) {
	if d.closed || d.db == nil {
		return nil, store.ErrClosed
	}
	return d.db.WithContext(ctx), nil
}

// ownerConn validates owner and returns a context-bound handle.
func (d *Driver) ownerConn(ctx context.Context, owner string) (*gorm.DB, error) {
	if err := store.ValidName(owner); err != nil {
		return nil, err
	}
	return d.conn(ctx)
}

func touchOwner(tx *gorm.DB, owner string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ownerRow{ID: owner, CreatedAt: time.Now().UTC()}).Error
}

// Owners

// EnsureOwner inserts the owner row and the default group if absent.
func (d *Driver) EnsureOwner(ctx context.Context, owner string) error {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := touchOwner(tx, owner); err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&groupRow{}).Where("owner = ?", owner).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		def := store.DefaultGroup()
		return tx.Create(&groupRow{Owner: owner, ID: def.ID, Name: def.Name}).Error
	})
}

// OwnerExists reports whether the owner row exists.
func (d *Driver) OwnerExists(ctx context.Context, owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return false, err
	}
	var count int64
	if err := db.Model(&ownerRow{}).Where("id = ?", owner).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// AllOwners lists every owner id.
func (d *Driver) AllOwners(ctx context.Context) ([]string, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	owners := []string{}
	if err := db.Model(&ownerRow{}).Order("id").Pluck("id", &owners).Error; err != nil {
		return nil, err
	}
	if owners == nil {
		owners = []string{}
	}
	return owners, nil
}

// Files

// ListFiles returns names of files whose original bytes are stored.
func (d *Driver) ListFiles(ctx context.Context, owner string) ([]string, error) {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return nil, err
	}
	files := []string{}
	err = db.Model(&fileRow{}).
		Where("owner = ? AND data IS NOT NULL", owner).
		Order("name").
		Pluck("name", &files).Error
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []string{}
	}
	return files, nil
}

func (d *Driver) saveColumn(ctx context.Context, owner, name, column string, row *fileRow) error {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return err
	}
	if err := store.ValidName(name); err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := touchOwner(tx, owner); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{column}),
		}).Create(row).Error
	})
}

// SaveFile stores the original bytes.
func (d *Driver) SaveFile(ctx context.Context, owner, name string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	return d.saveColumn(ctx, owner, name, "data", &fileRow{Owner: owner, Name: name, Data: data})
}

// SavePreview stores the preview bytes.
func (d *Driver) SavePreview(ctx context.Context, owner, name string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	return d.saveColumn(ctx, owner, name, "preview", &fileRow{Owner: owner, Name: name, Preview: data})
}

// LoadFile returns the original or preview bytes, or nil when absent.
func (d *Driver) LoadFile(ctx context.Context, owner, name string, preview bool) ([]byte, error) {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := store.ValidName(name); err != nil {
		return nil, err
	}
	column := "data"
	if preview {
		column = "preview"
	}
	var row fileRow
	err = db.Select(column).Where("owner = ? AND name = ?", owner, name).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if preview {
		return row.Preview, nil
	}
	return row.Data, nil
}

// DeleteFile removes the file row and its group memberships.
func (d *Driver) DeleteFile(ctx context.Context, owner, name string) error {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return err
	}
	if err := store.ValidName(name); err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner = ? AND file_name = ?", owner, name).Delete(&fileGroupRow{}).Error; err != nil {
			return err
		}
		return tx.Where("owner = ? AND name = ?", owner, name).Delete(&fileRow{}).Error
	})
}

// LoadMeta returns the card metadata or DefaultMeta.
func (d *Driver) LoadMeta(ctx context.Context, owner, name string) (*store.Meta, error) {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := store.ValidName(name); err != nil {
		return nil, err
	}
	var row fileRow
	err = db.Select("has_meta", "comment", "original_name", "size", "email").
		Where("owner = ? AND name = ?", owner, name).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.DefaultMeta(), nil
		}
		return nil, err
	}
	if !row.HasMeta {
		return store.DefaultMeta(), nil
	}

	groups := []string{}
	err = db.Model(&fileGroupRow{}).
		Where("owner = ? AND file_name = ?", owner, name).
		Order("position").
		Pluck("group_id", &groups).Error
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = []string{}
	}
	return &store.Meta{
		Comment:      row.Comment,
		Groups:       groups,
		OriginalName: row.OriginalName,
		Size:         row.Size,
		Email:        row.Email,
	}, nil
}

// SaveMeta replaces the card metadata and its group memberships.
func (d *Driver) SaveMeta(ctx context.Context, owner, name string, meta *store.Meta) error {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return err
	}
	if err := store.ValidName(name); err != nil {
		return err
	}
	meta = store.NormalizeMeta(meta)
	return db.Transaction(func(tx *gorm.DB) error {
		if err := touchOwner(tx, owner); err != nil {
			return err
		}
		row := fileRow{
			Owner:        owner,
			Name:         name,
			HasMeta:      true,
			Comment:      meta.Comment,
			OriginalName: meta.OriginalName,
			Size:         meta.Size,
			Email:        meta.Email,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"has_meta", "comment", "original_name", "size", "email"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		if err := tx.Where("owner = ? AND file_name = ?", owner, name).Delete(&fileGroupRow{}).Error; err != nil {
			return err
		}
		if len(meta.Groups) == 0 {
			return nil
		}
		rows := make([]fileGroupRow, len(meta.Groups))
		for i, g := range meta.Groups {
			rows[i] = fileGroupRow{Owner: owner, FileName: name, Position: i, GroupID: g}
		}
		return tx.Create(&rows).Error
	})
}

// Groups

// LoadGroups returns the owner's groups, writing the default group on first access.
func (d *Driver) LoadGroups(ctx context.Context, owner string) ([]store.Group, error) {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return nil, err
	}
	var rows []groupRow
	if err := db.Where("owner = ?", owner).Order("position").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		groups := []store.Group{store.DefaultGroup()}
		if err := d.SaveGroups(ctx, owner, groups); err != nil {
			return nil, err
		}
		return groups, nil
	}

	var emailRows []groupEmailRow
	if err := db.Where("owner = ?", owner).Order("group_id, position").Find(&emailRows).Error; err != nil {
		return nil, err
	}
	emails := make(map[string][]string)
	for _, r := range emailRows {
		emails[r.GroupID] = append(emails[r.GroupID], r.Email)
	}

	groups := make([]store.Group, len(rows))
	for i, r := range rows {
		groups[i] = store.Group{ID: r.ID, Name: r.Name, Emails: emails[r.ID]}
	}
	groups, _ = store.NormalizeGroups(groups)
	return groups, nil
}

// SaveGroups replaces the owner's groups and invite lists.
func (d *Driver) SaveGroups(ctx context.Context, owner string, groups []store.Group) error {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := touchOwner(tx, owner); err != nil {
			return err
		}
		if err := tx.Where("owner = ?", owner).Delete(&groupEmailRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("owner = ?", owner).Delete(&groupRow{}).Error; err != nil {
			return err
		}
		if len(groups) == 0 {
			return nil
		}
		rows := make([]groupRow, len(groups))
		var emailRows []groupEmailRow
		for i, g := range groups {
			rows[i] = groupRow{Owner: owner, ID: g.ID, Name: g.Name, Position: i}
			for j, e := range g.Emails {
				emailRows = append(emailRows, groupEmailRow{Owner: owner, GroupID: g.ID, Position: j, Email: e})
			}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		if len(emailRows) == 0 {
			return nil
		}
		return tx.Create(&emailRows).Error
	})
}

// Sharing

// LoadSharedState returns the recipient's hidden and showInMy sets.
func (d *Driver) LoadSharedState(ctx context.Context, owner string) (*store.SharedState, error) {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return nil, err
	}
	var rows []sharedEntryRow
	if err := db.Where("owner = ?", owner).Order("kind, position").Find(&rows).Error; err != nil {
		return nil, err
	}
	state := store.NewSharedState()
	for _, r := range rows {
		switch r.Kind {
		case kindHidden:
			state.Hidden = append(state.Hidden, r.Entry)
		case kindShowInMy:
			state.ShowInMy = append(state.ShowInMy, r.Entry)
		}
	}
	return state, nil
}

// SaveSharedState replaces the recipient's shared state.
func (d *Driver) SaveSharedState(ctx context.Context, owner string, state *store.SharedState) error {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return err
	}
	state = store.NormalizeSharedState(state)
	return db.Transaction(func(tx *gorm.DB) error {
		if err := touchOwner(tx, owner); err != nil {
			return err
		}
		if err := tx.Where("owner = ?", owner).Delete(&sharedEntryRow{}).Error; err != nil {
			return err
		}
		var rows []sharedEntryRow
		for i, key := range state.Hidden {
			rows = append(rows, sharedEntryRow{Owner: owner, Kind: kindHidden, Position: i, Entry: key})
		}
		for i, key := range state.ShowInMy {
			rows = append(rows, sharedEntryRow{Owner: owner, Kind: kindShowInMy, Position: i, Entry: key})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (d *Driver) loadEmailSets(ctx context.Context, owner, kind string) (store.EmailSets, error) {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return nil, err
	}
	var rows []emailSetRow
	if err := db.Where("owner = ? AND kind = ?", owner, kind).Order("group_id, position").Find(&rows).Error; err != nil {
		return nil, err
	}
	sets := store.EmailSets{}
	for _, r := range rows {
		sets[r.GroupID] = append(sets[r.GroupID], r.Email)
	}
	return sets, nil
}

func (d *Driver) saveEmailSets(ctx context.Context, owner, kind string, sets store.EmailSets) error {
	db, err := d.ownerConn(ctx, owner)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := touchOwner(tx, owner); err != nil {
			return err
		}
		if err := tx.Where("owner = ? AND kind = ?", owner, kind).Delete(&emailSetRow{}).Error; err != nil {
			return err
		}
		var rows []emailSetRow
		for groupID, emails := range sets {
			for i, e := range emails {
				rows = append(rows, emailSetRow{Owner: owner, Kind: kind, GroupID: groupID, Position: i, Email: e})
			}
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

// LoadRejections returns the owner's rejection map.
func (d *Driver) LoadRejections(ctx context.Context, owner string) (store.EmailSets, error) {
	return d.loadEmailSets(ctx, owner, kindRejection)
}

// SaveRejections replaces the owner's rejection map.
func (d *Driver) SaveRejections(ctx context.Context, owner string, rejections store.EmailSets) error {
	return d.saveEmailSets(ctx, owner, kindRejection, rejections)
}

// LoadUsage returns the owner's stored usage map.
func (d *Driver) LoadUsage(ctx context.Context, owner string) (store.EmailSets, error) {
	return d.loadEmailSets(ctx, owner, kindUsage)
}

// SaveUsage replaces the owner's stored usage map.
func (d *Driver) SaveUsage(ctx context.Context, owner string, usage store.EmailSets) error {
	return d.saveEmailSets(ctx, owner, kindUsage, usage)
}

// LoadSharedUsersIndex returns the recipient email to owners index.
func (d *Driver) LoadSharedUsersIndex(ctx context.Context) (store.SharedUsersIndex, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []sharedUserRow
	if err := db.Order("email, position").Find(&rows).Error; err != nil {
		return nil, err
	}
	index := store.SharedUsersIndex{}
	for _, r := range rows {
		index[r.Email] = append(index[r.Email], r.Owner)
	}
	return index, nil
}

// SaveSharedUsersIndex replaces the index.
func (d *Driver) SaveSharedUsersIndex(ctx context.Context, index store.SharedUsersIndex) error {
	db, err := d.conn(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&sharedUserRow{}).Error; err != nil {
			return err
		}
		var rows []sharedUserRow
		for email, owners := range index {
			for i, o := range owners {
				rows = append(rows, sharedUserRow{Email: email, Position: i, Owner: o})
			}
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

// External links

func linkFromRow(r *externalLinkRow) *store.ExternalLink {
	return &store.ExternalLink{
		ExternalID:   r.ExternalID,
		Username:     r.Username,
		FirstName:    r.FirstName,
		LastName:     r.LastName,
		RegisteredAt: r.RegisteredAt,
		LeftAt:       r.LeftAt,
		Active:       r.Active,
	}
}

func rowFromLink(email string, l *store.ExternalLink) externalLinkRow {
	return externalLinkRow{
		Email:        strings.ToLower(email),
		ExternalID:   l.ExternalID,
		Username:     l.Username,
		FirstName:    l.FirstName,
		LastName:     l.LastName,
		RegisteredAt: l.RegisteredAt,
		LeftAt:       l.LeftAt,
		Active:       l.Active,
	}
}

// LoadExternalLinks returns every link keyed by email.
func (d *Driver) LoadExternalLinks(ctx context.Context) (store.ExternalLinks, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []externalLinkRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}
	links := store.ExternalLinks{}
	for i := range rows {
		links[rows[i].Email] = linkFromRow(&rows[i])
	}
	return links, nil
}

// SaveExternalLinks replaces every link.
func (d *Driver) SaveExternalLinks(ctx context.Context, links store.ExternalLinks) error {
	db, err := d.conn(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&externalLinkRow{}).Error; err != nil {
			return err
		}
		rows := make([]externalLinkRow, 0, len(links))
		for email, l := range links {
			if l != nil {
				rows = append(rows, rowFromLink(email, l))
			}
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

// FindExternalLinkByID returns the link carrying externalID, or nil.
func (d *Driver) FindExternalLinkByID(ctx context.Context, externalID string) (*store.LinkedIdentity, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	var row externalLinkRow
	if err := db.Where("external_id = ?", externalID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &store.LinkedIdentity{Email: row.Email, ExternalLink: *linkFromRow(&row)}, nil
}

// AddExternalLink links email to link.ExternalID unless that id is already claimed.
func (d *Driver) AddExternalLink(ctx context.Context, email string, link *store.ExternalLink) (bool, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return false, err
	}
	added := false
	err = db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&externalLinkRow{}).Where("external_id = ?", link.ExternalID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		row := rowFromLink(email, link)
		if row.RegisteredAt.IsZero() {
			row.RegisteredAt = time.Now().UTC()
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}

// SetExternalLinkActive flips the active flag of the link carrying externalID.
func (d *Driver) SetExternalLinkActive(ctx context.Context, externalID string, active bool) (bool, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return false, err
	}
	var leftAt *time.Time
	if !active {
		now := time.Now().UTC()
		leftAt = &now
	}
	result := db.Model(&externalLinkRow{}).
		Where("external_id = ?", externalID).
		Updates(map[string]any{"active": active, "left_at": leftAt})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// User info

// LoadUserInfo returns the owner id to account map.
func (d *Driver) LoadUserInfo(ctx context.Context) (store.UserInfoMap, error) {
	db, err := d.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []userInfoRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}
	users := store.UserInfoMap{}
	for _, r := range rows {
		users[r.Owner] = store.UserInfo{Email: r.Email, Name: r.Name, Picture: r.Picture, LastSeen: r.LastSeen}
	}
	return users, nil
}

// SaveUserInfo replaces the owner id to account map.
func (d *Driver) SaveUserInfo(ctx context.Context, users store.UserInfoMap) error {
	db, err := d.conn(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&userInfoRow{}).Error; err != nil {
			return err
		}
		rows := make([]userInfoRow, 0, len(users))
		for owner, u := range users {
			rows = append(rows, userInfoRow{Owner: owner, Email: u.Email, Name: u.Name, Picture: u.Picture, LastSeen: u.LastSeen})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

// Reset drops and recreates every owner-scoped table. External links survive.
func (d *Driver) Reset(ctx context.Context) error {
	db, err := d.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.Migrator().DropTable(resettable()...); err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	d.logger.Info("database reset", "dialect", db.Dialector.Name())
	return nil
}

// Compile-time interface check
var _ store.Connector = (*Driver)(nil)

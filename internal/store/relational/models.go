package relational

import "time"

// Row types mirror the file layout one table per document. List-valued
// documents keep an explicit position so reads return the saved order.
// Owner-scoped tables cascade on owner deletion; memberships and invite
// lists cascade with their file or group.

type ownerRow struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time

	Files         []fileRow        `gorm:"foreignKey:Owner;references:ID;constraint:OnDelete:CASCADE"`
	Groups        []groupRow       `gorm:"foreignKey:Owner;references:ID;constraint:OnDelete:CASCADE"`
	SharedEntries []sharedEntryRow `gorm:"foreignKey:Owner;references:ID;constraint:OnDelete:CASCADE"`
	EmailSets     []emailSetRow    `gorm:"foreignKey:Owner;references:ID;constraint:OnDelete:CASCADE"`
}

func (ownerRow) TableName() string { return "owners" }

// fileRow holds the card bytes, its preview and the scalar part of its meta.
// Data is NULL until the original is saved.
type fileRow struct {
	Owner        string `gorm:"primaryKey"`
	Name         string `gorm:"primaryKey"`
	Data         []byte
	Preview      []byte
	HasMeta      bool
	Comment      string
	OriginalName string
	Size         int64
	Email        string

	Memberships []fileGroupRow `gorm:"foreignKey:Owner,FileName;references:Owner,Name;constraint:OnDelete:CASCADE"`
}

func (fileRow) TableName() string { return "files" }

type fileGroupRow struct {
	Owner    string `gorm:"primaryKey"`
	FileName string `gorm:"primaryKey"`
	Position int    `gorm:"primaryKey;autoIncrement:false"`
	GroupID  string `gorm:"index"`
}

func (fileGroupRow) TableName() string { return "file_groups" }

type groupRow struct {
	Owner    string `gorm:"primaryKey"`
	ID       string `gorm:"primaryKey"`
	Name     string
	Position int

	Emails []groupEmailRow `gorm:"foreignKey:Owner,GroupID;references:Owner,ID;constraint:OnDelete:CASCADE"`
}

func (groupRow) TableName() string { return "card_groups" }

type groupEmailRow struct {
	Owner    string `gorm:"primaryKey"`
	GroupID  string `gorm:"primaryKey"`
	Position int    `gorm:"primaryKey;autoIncrement:false"`
	Email    string
}

func (groupEmailRow) TableName() string { return "group_emails" }

const (
	kindHidden    = "hidden"
	kindShowInMy  = "show_in_my"
	kindRejection = "rejection"
	kindUsage     = "usage"
)

type sharedEntryRow struct {
	Owner    string `gorm:"primaryKey"`
	Kind     string `gorm:"primaryKey"`
	Position int    `gorm:"primaryKey;autoIncrement:false"`
	Entry    string
}

func (sharedEntryRow) TableName() string { return "shared_entries" }

type emailSetRow struct {
	Owner    string `gorm:"primaryKey"`
	Kind     string `gorm:"primaryKey"`
	GroupID  string `gorm:"primaryKey"`
	Position int    `gorm:"primaryKey;autoIncrement:false"`
	Email    string
}

func (emailSetRow) TableName() string { return "email_set_entries" }

type sharedUserRow struct {
	Email    string `gorm:"primaryKey"`
	Position int    `gorm:"primaryKey;autoIncrement:false"`
	Owner    string `gorm:"index"`
}

func (sharedUserRow) TableName() string { return "shared_users" }

type externalLinkRow struct {
	Email        string `gorm:"primaryKey"`
	ExternalID   string `gorm:"uniqueIndex"`
	Username     string
	FirstName    string
	LastName     string
	RegisteredAt time.Time
	LeftAt       *time.Time
	Active       bool
}

func (externalLinkRow) TableName() string { return "external_links" }

type userInfoRow struct {
	Owner    string `gorm:"primaryKey"`
	Email    string `gorm:"index"`
	Name     string
	Picture  string
	LastSeen time.Time
}

func (userInfoRow) TableName() string { return "user_infos" }

// resettable lists the tables Reset drops. external_links is kept.
func resettable() []any {
	return []any{
		&ownerRow{}, &fileRow{}, &fileGroupRow{}, &groupRow{}, &groupEmailRow{},
		&sharedEntryRow{}, &emailSetRow{}, &sharedUserRow{}, &userInfoRow{},
	}
}

func allModels() []any {
	return append(resettable(), &externalLinkRow{})
}

package models

// FolderType enumerates the canonical folder kinds a Connection's mailbox
// is mapped into, regardless of provider-native label/folder naming.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderArchive FolderType = "archive"
	FolderTrash   FolderType = "trash"
	FolderCustom  FolderType = "custom"
)

// Folder is a per-connection mailbox folder, mapped from a Gmail label or
// (once implemented) an Outlook folder.
type Folder struct {
	ID             string `gorm:"column:id;primaryKey"`
	UserID         string `gorm:"column:user_id"`
	ConnectionID   string `gorm:"column:connection_id"`
	Name           string `gorm:"column:name"`
	Type           FolderType `gorm:"column:type"`
	ProviderFolderID string   `gorm:"column:provider_folder_id"`
}

func (Folder) TableName() string {
	return "folder"
}

// DefaultGmailFolders are the four folders FullSync seeds when a connection
// has no Folder rows yet, keyed by Gmail's well-known system label ids (the
// same ids internal/provider/gmail's classifyLabel maps to these types).
var DefaultGmailFolders = []struct {
	ProviderFolderID string
	Name             string
	Type             FolderType
}{
	{ProviderFolderID: "INBOX", Name: "Inbox", Type: FolderInbox},
	{ProviderFolderID: "SENT", Name: "Sent", Type: FolderSent},
	{ProviderFolderID: "DRAFT", Name: "Drafts", Type: FolderDrafts},
	{ProviderFolderID: "TRASH", Name: "Trash", Type: FolderTrash},
}

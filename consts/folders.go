package consts

// Default IMAP folder names used by the relay. Deployments can override
// every name in the [folders] section of the configuration file.
const (
	FolderInbox     = "INBOX"
	FolderProcessed = "Processed"
	FolderSent      = "Sent"
	FolderBounces   = "Bounces"
	FolderDenied    = "Denied"
	FolderDuplicate = "Duplicate"
)

// RequiredFolders are created on a list's mailbox if missing before the
// first message of a cycle is processed.
var RequiredFolders = []string{
	FolderProcessed,
	FolderSent,
	FolderBounces,
	FolderDenied,
	FolderDuplicate,
}

package event

// Event type tags carried in the "type" output.
const (
	TypeIDEStarted      = "IDE_STARTED"
	TypeIDEStopped      = "IDE_STOPPED"
	TypeDocumentOpened  = "DOCUMENT_OPENED"
	TypeDocumentClosed  = "DOCUMENT_CLOSED"
	TypeDocumentFocused = "DOCUMENT_FOCUSED"
	TypeDocumentChanged = "DOCUMENT_CHANGED"
	TypeDocumentSaved   = "DOCUMENT_SAVED"
	TypeLaunch          = "LAUNCH"
	TypeCommandExecuted = "COMMAND_EXECUTED"
	TypeFileChanged     = "FILE_CHANGED"
)

// Output names injected by the pipeline.
const (
	OutputType      = "type"
	OutputAppsUsed  = "apps_used"
	OutputSessionID = "session_id"
)

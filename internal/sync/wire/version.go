package wire

// Build metadata sent with every sync request.
var (
	// AppVersion is overridden at link time with -ldflags "-X ...".
	AppVersion = "v2.1.0"
	AppName    = "omsync"
)

// SyncVersion is the protocol revision this build speaks.
const SyncVersion = 3

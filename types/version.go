package types

// Version is the canonical project version. The CLI, the API server,
// and the webhook User-Agent all report this constant per the lockstep
// versioning policy.
const Version = "0.4.0"

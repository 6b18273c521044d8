package common

// AuthorizationHeaderName carries the bearer session token on API requests.
const AuthorizationHeaderName = "Authorization"

// MasterKeyName is the keyring entry used to encrypt stored files.
const MasterKeyName = "medvault_master_key"

// SyncJobKind identifies the single kind of background job medvault enqueues.
const SyncJobKind = "file_sync"

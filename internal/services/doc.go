// Package services holds medvault's application services: consent
// tracking, the encrypted file store, the file catalog, durable sync
// scheduling and its worker, and the login session gate.
//
// Each service is exposed as a small capability interface so the upload
// workflow and the HTTP API can be wired with real implementations or test
// doubles.
package services

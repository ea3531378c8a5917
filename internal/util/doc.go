// Package util provides small helpers shared across the oauth-server packages.
//
// Key utilities:
//   - SafeTruncate: truncates secrets to a loggable prefix
//   - NormalizeURL: trailing-slash-insensitive comparison of resource indicators
//   - IsLoopbackIP / IsLoopbackHostname: loopback detection for redirect URI matching
package util

// Package testutil provides test fixtures and helpers shared by the
// packages of the authorization server: a controllable clock, PKCE pairs,
// log capture and application fixtures.
package testutil

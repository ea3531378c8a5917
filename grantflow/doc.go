// Package grantflow maps OAuth grant_type and response_type values to the
// flows that handle them.
//
// A Registry holds named flows and aliases. The server consults it with the
// list of flows enabled in its configuration, so a flow that is registered
// but not enabled never matches. Registries are mutable until Finalize, after
// which reads take no locks and every mutation fails with ErrFinalized.
//
//	reg := grantflow.Default()
//	reg.Finalize()
//
//	flow, ok := reg.ForGrantType([]string{"authorization_code"}, "authorization_code")
package grantflow

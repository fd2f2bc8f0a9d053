// Package logx wraps zerolog behind a small structured-logging facade.
//
// Components hold a Logger value; the Service owns the sinks (console,
// file) and can re-apply level/output changes at runtime without the
// holders noticing.
package logx

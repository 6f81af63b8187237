// Package logx is clusterkit's structured logging on top of zerolog.
//
// A Service owns the outputs (a readable console on stderr, a JSON file and
// the alert sink) and can be reconfigured live. Logger values carry fixed
// fields and always write through the service's current outputs.
package logx

// Package calibration defines the gyroscope calibration workflow. It contains:
//
//   - State: the seven states of the calibration state machine
//   - Machine: the desired/current pair, committed once per supervisory tick
//   - Decide: the pure transition function, returning the next desired state
//     and the side effects the caller must execute
//   - Config / Context: immutable thresholds and the mutable run state
//   - Status: a synthesized view model returned by HTTP APIs and the CLI
//
// Nothing in this package talks to the outside world. Service calls are
// performed by the daemon after a decision has been made.
package calibration

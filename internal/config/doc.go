// Package config loads the HCL configuration for the scheduling core: the
// scheduler settings block plus optional feature seed blocks that enqueue
// phases at startup. Validation happens here, at the boundary, so the rest
// of the system only ever sees well-formed settings.
package config

package sysdns

// NewBackend is defined per-OS in factory_darwin.go / factory_linux.go /
// factory_unsupported.go, mirroring the teacher's darwin/factory.go and
// windows/factory.go split.

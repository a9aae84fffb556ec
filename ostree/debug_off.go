//go:build !ostreedebug

package ostree

const debugVerify = false

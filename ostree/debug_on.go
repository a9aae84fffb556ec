//go:build ostreedebug

package ostree

const debugVerify = true

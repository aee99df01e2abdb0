package crypto

import "github.com/e2eicore/corecrypto/corelog"

// log is the crypto package's pinned-package logger, saving every call site
// from repeating "crypto" as the package field.
func log(function string) *corelog.Helper {
	return corelog.New("crypto", function)
}

package runner

import (
	"bytes"
	"io"
	"os"
)

// captured runs fn with os.Stdout and os.Stderr redirected into pipes
// and returns whatever the test printed. Output is reset between tests
// by virtue of each test getting its own capture.
func captured(fn func()) (stdout, stderr string) {
	oldOut, oldErr := os.Stdout, os.Stderr

	outR, outW, err := os.Pipe()
	if err != nil {
		fn()
		return "", ""
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		fn()
		return "", ""
	}

	outCh := make(chan string, 1)
	errCh := make(chan string, 1)
	go func() {
		var b bytes.Buffer
		_, _ = io.Copy(&b, outR)
		outCh <- b.String()
	}()
	go func() {
		var b bytes.Buffer
		_, _ = io.Copy(&b, errR)
		errCh <- b.String()
	}()

	os.Stdout, os.Stderr = outW, errW
	defer func() {
		os.Stdout, os.Stderr = oldOut, oldErr
		outW.Close()
		errW.Close()
		stdout = <-outCh
		stderr = <-errCh
		outR.Close()
		errR.Close()
	}()

	fn()
	return
}

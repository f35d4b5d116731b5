package injector

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestCopyInterleavesInjected(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	dst := &lockedBuffer{}
	inj := NewOFDeviceInjector()
	inj.SetDPID(0x1)
	assert.Equal(t, uint64(0x1), inj.GetDPID())

	done := make(chan error, 1)
	go func() {
		_, err := inj.Copy(dst, pr)
		done <- err
	}()

	hello := []byte{0x04, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01}
	echo := []byte{0x04, 0x02, 0x00, 0x0c, 0x00, 0x00, 0x00, 0x02, 0xde, 0xad, 0xbe, 0xef}
	injected := []byte{0x04, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x09}

	go pw.Write(append(append([]byte(nil), hello...), echo...))
	require.NoError(t, inj.Inject(injected))

	require.Eventually(t, func() bool {
		return len(dst.Bytes()) == len(hello)+len(echo)+len(injected)
	}, 2*time.Second, 5*time.Millisecond)

	out := dst.Bytes()
	assert.True(t, bytes.Contains(out, hello))
	assert.True(t, bytes.Contains(out, echo))
	assert.True(t, bytes.Contains(out, injected))
	assert.True(t, bytes.Index(out, hello) < bytes.Index(out, echo))

	inj.Stop()
	inj.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Copy did not return after Stop")
	}
	assert.Equal(t, ErrStopped, inj.Inject(injected))
}

func TestCopyEndsOnControllerClose(t *testing.T) {
	inj := NewOFDeviceInjector()
	defer inj.Stop()

	_, err := inj.Copy(&lockedBuffer{}, bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestInjectFailsOnceCopyEnds(t *testing.T) {
	inj := NewOFDeviceInjector()
	_, err := inj.Copy(&lockedBuffer{}, bytes.NewReader(nil))
	require.Error(t, err)

	// nothing drains the queue any more, injecting past its capacity must
	// not block
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 200; n++ {
			assert.Equal(t, ErrStopped, inj.Inject([]byte{0x04, 0x00, 0x00, 0x08, 0, 0, 0, 0}))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Inject blocked after Copy returned")
	}
}

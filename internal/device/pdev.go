package device

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/ncw/directio"
)

// pdev is one exclusively owned raw device: a block device node or a
// file standing in for one. Opened with O_DIRECT when the backing store
// supports it, falling back to buffered I/O otherwise (tmpfs, CI
// filesystems). An flock guards against two engines attaching the same
// device.
type pdev struct {
	path   string
	file   *os.File
	size   int64
	direct bool
}

func openPdev(path string) (*pdev, error) {
	file, err := directio.OpenFile(path, os.O_RDWR, 0o666)
	direct := true
	if err != nil {
		file, err = os.OpenFile(path, os.O_RDWR, 0o666)
		if err != nil {
			return nil, fmt.Errorf("open device %s: %w", path, err)
		}
		direct = false
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("lock device %s: %w", path, errDeviceLocked)
	}

	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("size device %s: %w", path, err)
	}

	return &pdev{path: path, file: file, size: size, direct: direct}, nil
}

// readAt fills buf from the device at off. Offsets and lengths are page
// multiples by construction; the bounce buffer satisfies the memory
// alignment O_DIRECT additionally demands.
func (p *pdev) readAt(off int64, buf []byte) error {
	if !p.direct {
		_, err := p.file.ReadAt(buf, off)
		return err
	}
	staged := alignedBuf(len(buf))
	defer releaseAligned(staged)
	if _, err := p.file.ReadAt(staged[:len(buf)], off); err != nil {
		return err
	}
	copy(buf, staged[:len(buf)])
	return nil
}

func (p *pdev) writeAt(off int64, buf []byte) error {
	if !p.direct {
		_, err := p.file.WriteAt(buf, off)
		return err
	}
	staged := alignedBuf(len(buf))
	defer releaseAligned(staged)
	copy(staged[:len(buf)], buf)
	_, err := p.file.WriteAt(staged[:len(buf)], off)
	return err
}

// sync flushes buffered writes; a no-op under O_DIRECT where writes hit
// media on completion.
func (p *pdev) sync() error {
	if p.direct {
		return nil
	}
	return p.file.Sync()
}

func (p *pdev) close() error {
	return p.file.Close()
}

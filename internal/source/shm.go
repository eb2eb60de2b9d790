//go:build linux && cgo

package source

/*
#cgo LDFLAGS: -lrt -lpthread

#include <stdlib.h>
#include <stdint.h>
#include <time.h>
#include <sys/mman.h>
#include <fcntl.h>
#include <unistd.h>
#include <string.h>
#include <semaphore.h>
#include <errno.h>

#define RING_BUFFER_SIZE 30
#define MAX_FRAME_SIZE (1920 * 1080 * 3 / 2)

// Layout shared with the capture daemon.
typedef struct {
    uint64_t frame_number;
    struct timespec timestamp;
    int camera_id;
    int width;
    int height;
    int format;
    size_t data_size;
    float brightness_avg;
    uint32_t brightness_lux;
    uint8_t brightness_zone;
    uint8_t correction_applied;
    uint8_t _reserved[2];
    uint8_t data[MAX_FRAME_SIZE];
} Frame;

typedef struct {
    volatile uint32_t write_index;
    volatile uint32_t frame_interval_ms;
    uint8_t new_frame_sem[32];
    Frame frames[RING_BUFFER_SIZE];
} SharedFrameBuffer;

// RDWR is required for sem_timedwait.
static SharedFrameBuffer* open_shm(const char* name) {
    int fd = shm_open(name, O_RDWR, 0666);
    if (fd == -1) {
        return NULL;
    }
    SharedFrameBuffer* shm = (SharedFrameBuffer*)mmap(
        NULL, sizeof(SharedFrameBuffer), PROT_READ | PROT_WRITE, MAP_SHARED, fd, 0);
    close(fd);
    if (shm == MAP_FAILED) {
        return NULL;
    }
    return shm;
}

// Returns 0 on success, negative errno otherwise (-ETIMEDOUT on timeout).
static int wait_new_frame(SharedFrameBuffer* shm, int timeout_ms) {
    if (shm == NULL) {
        return -EINVAL;
    }
    struct timespec ts;
    if (clock_gettime(CLOCK_REALTIME, &ts) != 0) {
        return -errno;
    }
    ts.tv_sec += timeout_ms / 1000;
    ts.tv_nsec += (timeout_ms % 1000) * 1000000;
    if (ts.tv_nsec >= 1000000000) {
        ts.tv_sec += 1;
        ts.tv_nsec -= 1000000000;
    }
    if (sem_timedwait((sem_t*)&shm->new_frame_sem, &ts) == -1) {
        return -errno;
    }
    return 0;
}

static void close_shm(SharedFrameBuffer* shm) {
    if (shm != NULL) {
        munmap((void*)shm, sizeof(SharedFrameBuffer));
    }
}

static uint32_t get_write_index(SharedFrameBuffer* shm) {
    return shm->write_index;
}

static int read_frame(SharedFrameBuffer* shm, uint32_t index, Frame* out) {
    if (index >= RING_BUFFER_SIZE) {
        return -1;
    }
    memcpy(out, &shm->frames[index], sizeof(Frame));
    return 0;
}
*/
import "C"
import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"
	"unsafe"

	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

const (
	ringBufferSize = 30
	maxFrameSize   = 1920 * 1080 * 3 / 2
)

// ShmSource reads the newest frame of a capture daemon's shared-memory ring.
type ShmSource struct {
	name    string
	timeout time.Duration

	shm     *C.SharedFrameBuffer
	scratch *C.Frame
	frame   *types.Frame
	lastNum uint64
}

// NewShmSource creates a reader for the ring published under name.
func NewShmSource(name string, timeout time.Duration) *ShmSource {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ShmSource{name: name, timeout: timeout}
}

func (s *ShmSource) Name() string { return "shm:" + s.name }

// Open maps the ring. The daemon must already be running; there is no retry.
func (s *ShmSource) Open(ctx context.Context) error {
	cName := C.CString(s.name)
	defer C.free(unsafe.Pointer(cName))

	shm := C.open_shm(cName)
	if shm == nil {
		return &OpenError{Source: s.Name(), Reason: "shared memory not available"}
	}
	s.shm = shm
	s.scratch = (*C.Frame)(C.malloc(C.sizeof_Frame))
	logger.Info("Source", "Opened shared memory %s", s.name)
	return nil
}

// ReadFrame waits for the daemon's new-frame signal and converts the newest
// slot to BGR. A timeout or repeated frame counts as a dropped frame.
func (s *ShmSource) ReadFrame() (*types.Frame, error) {
	if s.shm == nil {
		return nil, ErrNotOpen
	}

	if rc := int(C.wait_new_frame(s.shm, C.int(s.timeout.Milliseconds()))); rc != 0 {
		return nil, fmt.Errorf("%w: semaphore wait failed (errno %d)", ErrFrameDropped, -rc)
	}

	writeIndex := uint32(C.get_write_index(s.shm))
	if writeIndex == 0 {
		return nil, ErrFrameDropped
	}
	index := (writeIndex - 1) % ringBufferSize
	if C.read_frame(s.shm, C.uint32_t(index), s.scratch) != 0 {
		return nil, fmt.Errorf("%w: read slot %d", ErrFrameDropped, index)
	}

	num := uint64(s.scratch.frame_number)
	if num == s.lastNum && s.frame != nil {
		return nil, ErrFrameDropped
	}
	s.lastNum = num

	size := int(s.scratch.data_size)
	if size <= 0 || size > maxFrameSize {
		return nil, fmt.Errorf("%w: bad data size %d", ErrFrameDropped, size)
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(&s.scratch.data[0])), size)
	w, h := int(s.scratch.width), int(s.scratch.height)

	var err error
	switch int(s.scratch.format) {
	case FormatNV12:
		s.frame, err = NV12ToFrame(data, w, h, s.frame)
	case FormatRGB:
		s.frame, err = RGBToFrame(data, w, h, s.frame)
	case FormatJPEG:
		var img image.Image
		img, err = jpeg.Decode(bytes.NewReader(data))
		if err == nil {
			s.frame = ImageToFrame(img, s.frame)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %d", ErrFrameDropped, int(s.scratch.format))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameDropped, err)
	}

	s.frame.Seq = num
	s.frame.Timestamp = time.Unix(int64(s.scratch.timestamp.tv_sec), int64(s.scratch.timestamp.tv_nsec))
	return s.frame, nil
}

// Close unmaps the ring.
func (s *ShmSource) Close() error {
	if s.shm != nil {
		C.close_shm(s.shm)
		s.shm = nil
	}
	if s.scratch != nil {
		C.free(unsafe.Pointer(s.scratch))
		s.scratch = nil
	}
	return nil
}

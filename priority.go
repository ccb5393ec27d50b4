package devicebus

import (
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// lockAndSetPriority pins the calling goroutine to its OS thread and sets
// its nice value to priority (a negative value raises scheduling priority,
// a positive one lowers it; 0 leaves it unchanged). cgo-based
// pthread_setschedparam / SCHED_FIFO is not available without cgo, so this
// is the closest portable equivalent on Linux. Each worker calls this on
// itself with its own configured priority; the original source's copy-paste
// bug of applying every priority to the receive thread's handle cannot occur
// here because there is no shared handle to copy-paste.
func lockAndSetPriority(threadName string, priority int) {
	runtime.LockOSThread()
	if priority == 0 {
		return
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, priority); err != nil {
		log.WithError(err).Warnf("[BUS] failed to set priority for %s thread", threadName)
	}
}

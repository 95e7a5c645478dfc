package peer

import (
	"github.com/stealthrocket/peerwasm"
	"github.com/stealthrocket/peerwasm/internal/descriptor"
)

// SetNextFD makes fd the next descriptor allocated by s.
func SetNextFD(s *System, fd peerwasm.FD) {
	s.init()
	s.alloc = descriptor.NewAllocator(fd)
}

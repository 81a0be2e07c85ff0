// Package shm implements the double-buffered shared frame region that hands
// decoded NV12 frames from the ingest process to reader processes.
//
// The region is a fixed-size byte range laid out as
//
//	[64-byte header][slot 0][slot 1]
//
// with each slot sized for the configured maximum resolution. A single
// writer fills slot write_index%2 and then advances write_index; readers
// look only at slot (write_index-1)%2 and detect a lapped read by
// re-checking write_index after the copy. The writer never waits on a
// reader.
package shm

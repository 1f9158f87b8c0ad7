/*
The sync package implements mcusync's synchronization algorithm. It keeps a
directory on the user's machine in correspondence with the filesystem of a
MicroPython board connected over a serial link.

There are three views of every file:
1) The RemoteEntry -- what the board holds, as reported by the remote client.
2) The LocalEntry -- what the mirror directory holds right now.
3) The MirrorState entry -- what we believe the board holds, based on the
   operations that it confirmed. The board can't notify us about changes, so
   the MirrorState is the reference that local changes are diffed against.
   It's only updated after the board confirms an operation.

At startup, the Engine pulls the whole remote tree into the mirror directory
(the board wins any conflict), and seeds the MirrorState from it. After that,
local changes are authoritative: each settled ChangeEvent is turned into
SyncOperations that are executed one at a time, in an order that creates
directories before their contents and removes contents before their
directories.

The Engine assumes that it's the only writer to the board's filesystem while
it's running.
*/
package sync

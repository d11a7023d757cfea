/*
Package channel provides the framed message channel that connects a parent process with the child process it spawned. A Channel wraps a pair of unidirectional byte streams, one per direction, which in practice are two OS pipes inherited by the child.

Messages are small typed frames. Each frame is laid out as:

	flags (1 byte) | kind (1 byte) | [text] | [error type][error message]

where every string is a uvarint length followed by UTF-8 bytes. Bit 0 of the flags byte marks a text payload and bit 1 marks an error descriptor.

The protocol proceeds as follows:

1. The parent creates both pipes, keeps its ends, and passes the other ends to the child as inherited files.
2. The child opens its ends with FromEndpoints and sends HostStarted once it has resolved the task.
3. The child sends Progress messages while the task runs. The parent may send SignalTerminate at any time, and the child may ask for one with RequestTerminate.
4. The child sends exactly one terminal message (HostFinished or one of the error kinds), then waits for the channel to drain before exiting.
5. The parent closes its end once it has seen the terminal message, which releases the child.

A Channel does not serialize concurrent writers. Callers that send from more than one goroutine must hold their own mutex.

Errors crossing the channel are described by an ErrorInfo (type name plus message). The receiver only rebuilds typed errors for a closed set of type names and wraps everything else in a RemoteError, so a peer can never make the receiver depend on types it does not know.
*/
package channel

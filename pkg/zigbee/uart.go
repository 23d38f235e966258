package zigbee

// UARTDriver is the serial transport the ASH layer consumes (§6). Writes are
// synchronous; reads are synchronous byte-at-a-time pulls driven by the ASH
// read loop's own goroutine — this driver does not push bytes asynchronously,
// it blocks the caller until at least one byte is available or the port is
// closed.
type UARTDriver interface {
	Write(data []byte) (int, error)
	ReadByte() (byte, error)
	Close() error
}

// Package actisense is a hal.Device plug-in for Actisense NGT-1/W2K-1 USB-CAN
// adapters: it speaks the DLE/STX/ETX-framed binary protocol those devices
// use over a serial (or any io.ReadWriter) link and exposes it as a stream of
// hal.Frame. The adapter hardware reassembles NMEA2000 Fast Packet and
// ISO-TP transfers itself and hands the host a single already-complete
// message; WriteFrame/ReadFrame re-fragment/re-expose that as wire-shaped
// J1939 CAN frames so the core's own TP/ETP session machinery (package
// transport) can treat this device exactly like a raw CAN bus.
package actisense

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/openfarmnet/j1939stack/hal"
	"github.com/openfarmnet/j1939stack/transport"
)

const (
	// STX start packet byte for Actisense parsed NMEA2000 packet
	STX = 0x02
	// ETX end packet byte for Actisense parsed NMEA2000 packet
	ETX = 0x03
	// DLE marker byte before start/end packet byte. Is sent before STX or ETX byte is sent (DLE+STX or DLE+ETX)
	DLE = 0x10

	// cmdNGTMessageReceived identifies that packet is received/incoming NMEA2000 data message as NGT binary format.
	cmdNGTMessageReceived = 0x93
	// cmdNGTMessageSend identifies that packet is sent/outgoing NMEA2000 data message as NGT binary format.
	cmdNGTMessageSend = 0x94

	// cmdRAWActisenseMessageReceived identifies that packet is received/incoming NMEA2000 data message as RAW Actisense format.
	cmdRAWActisenseMessageReceived = 0x95
	// cmdRAWActisenseMessageSend identifies that packet is sent/outgoing NMEA2000 data message as RAW Actisense format.
	cmdRAWActisenseMessageSend = 0x96

	cmdN2KMessageReceived = 0xD0
	// cmdN2KMessageSend identifies that packet is sent/outgoing NMEA2000 data message as N2K binary format.
	cmdN2KMessageSend = 0xD1

	// cmdDeviceMessageReceived identifies that received packet is (BEMCMD) Actisense NGT specific message
	cmdDeviceMessageReceived = 0xA0
	// cmdDeviceMessageSend identifies that sent packet is Actisense NGT specific message
	cmdDeviceMessageSend = 0xA1

	// binaryMessageMaxSize bounds a single decoded Actisense message at
	// transport.MaxSize, the 1785-byte TP limit; ETP-sized payloads do not
	// fit.
	binaryMessageMaxSize = transport.MaxSize
)

// Config configures a Device.
type Config struct {
	// ReceiveDataTimeout is the maximum duration a read can produce no data
	// before ReadFrame gives up and returns an error (bus considered idle).
	ReceiveDataTimeout time.Duration

	// DebugLogRawMessageBytes instructs the device to log all sent/received raw messages.
	DebugLogRawMessageBytes bool
	// OutputActisenseMessages instructs the device to surface the adapter's own (BEMCMD) messages.
	OutputActisenseMessages bool

	// IsN2KWriter instructs the device to write/send messages to the NMEA2000 bus as N2K binary format (used by Actisense W2K-1).
	IsN2KWriter bool
}

// Device implements hal.Device over an Actisense NGT-1/W2K-1 binary stream.
type Device struct {
	conn io.ReadWriter

	sleepFunc func(timeout time.Duration)
	timeNow   func() time.Time

	config Config

	// pending holds wire frames synthesized from one already-reassembled
	// decoded message, drained one at a time by ReadFrame.
	pending []hal.Frame
}

// NewDevice builds a Device over conn using default timeouts.
func NewDevice(conn io.ReadWriter) *Device {
	return NewDeviceWithConfig(conn, Config{ReceiveDataTimeout: 5 * time.Second})
}

// NewDeviceWithConfig builds a Device over conn with an explicit Config.
func NewDeviceWithConfig(conn io.ReadWriter, config Config) *Device {
	if config.ReceiveDataTimeout == 0 {
		config.ReceiveDataTimeout = 5 * time.Second
	}
	return &Device{
		conn:      conn,
		sleepFunc: time.Sleep,
		timeNow:   time.Now,
		config:    config,
	}
}

func (d *Device) Open() error {
	return d.Initialize()
}

func (d *Device) Close() error {
	if c, ok := d.conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type readState uint8

const (
	waitingStartOfMessage readState = iota
	readingMessageData
	processingEscapeSequence
)

// decoded is one fully reassembled Actisense message, still addressed by
// J1939 identifier fields but not yet fragmented into wire frames.
type decoded struct {
	pgn         uint32
	priority    uint8
	source      uint8
	destination uint8
	data        []byte
}

// ReadFrame returns the next hal.Frame. If the previously decoded message
// needed fragmenting (payload > 8 bytes), frames are drained from the
// pending queue before a new message is read off the wire.
func (d *Device) ReadFrame(ctx context.Context) (hal.Frame, error) {
	if len(d.pending) > 0 {
		f := d.pending[0]
		d.pending = d.pending[1:]
		return f, nil
	}

	msg, err := d.readDecodedMessage(ctx)
	if err != nil {
		return hal.Frame{}, err
	}

	frames := d.fragmentToFrames(msg)
	if len(frames) == 0 {
		return hal.Frame{}, errors.New("actisense: message produced no frames")
	}
	d.pending = frames[1:]
	return frames[0], nil
}

// fragmentToFrames turns one decoded message into the wire frames a real CAN
// bus would have carried it as: a single frame when it fits in 8 bytes,
// otherwise a BAM broadcast sequence built with transport's own BAM sender
// so the core's TPBAMReceiveSession reassembles it exactly as it would any
// other broadcast transfer.
func (d *Device) fragmentToFrames(msg decoded) []hal.Frame {
	if len(msg.data) <= 8 {
		id, err := j1939.EncodeIdentifier(j1939.Priority(msg.priority), msg.pgn, msg.destination, msg.source)
		if err != nil {
			return nil
		}
		var f hal.Frame
		f.Time = d.timeNow()
		f.ID = id
		f.DLC = uint8(len(msg.data))
		copy(f.Data[:], msg.data)
		for i := int(f.DLC); i < 8; i++ {
			f.Data[i] = 0xFF
		}
		return []hal.Frame{f}
	}

	now := d.timeNow()
	session, first := transport.NewTPBAMSendSession(now, msg.pgn, msg.source, j1939.Priority(msg.priority), msg.data)
	frames := []hal.Frame{first}
	for !session.Done() {
		now = now.Add(100 * time.Millisecond) // clear BAM's inter-frame spacing deterministically
		frames = append(frames, session.Tick(now)...)
	}
	return frames
}

// readDecodedMessage blocks reading bytes off the wire, unescaping the
// DLE/STX/ETX framing, until one full Actisense message is parsed.
func (d *Device) readDecodedMessage(ctx context.Context) (decoded, error) {
	message := make([]byte, binaryMessageMaxSize)
	messageByteIndex := 0

	buf := make([]byte, 1)
	lastReadWithDataTime := d.timeNow()
	var previousByte, currentByte byte

	state := waitingStartOfMessage
	for {
		select {
		case <-ctx.Done():
			return decoded{}, ctx.Err()
		default:
		}

		n, err := d.conn.Read(buf)
		// on read errors we do not return immediately as for:
		// os.ErrDeadlineExceeded - we set new deadline on next iteration
		// io.EOF - we check if already read + received is enough to form complete message
		if err != nil && !(errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF)) {
			return decoded{}, err
		}

		now := d.timeNow()
		if n == 0 {
			if errors.Is(err, io.EOF) && now.Sub(lastReadWithDataTime) > d.config.ReceiveDataTimeout {
				return decoded{}, err
			}
			continue
		}
		lastReadWithDataTime = now
		previousByte = currentByte
		currentByte = buf[0]

		switch state {
		case waitingStartOfMessage:
			if previousByte == DLE && currentByte == STX {
				state = readingMessageData
			}
		case readingMessageData:
			if currentByte == DLE {
				state = processingEscapeSequence
				break
			}
			message[messageByteIndex] = currentByte
			messageByteIndex++
		case processingEscapeSequence:
			if currentByte == DLE { // doubled DLE is an escaped literal DLE byte
				state = readingMessageData
				message[messageByteIndex] = currentByte
				messageByteIndex++
				break
			}
			if currentByte == ETX {
				msg := message[0:messageByteIndex]
				if d.config.DebugLogRawMessageBytes {
					fmt.Printf("# DEBUG read raw actisense binary message: %x\n", msg)
				}
				switch msg[0] {
				case cmdNGTMessageReceived, cmdNGTMessageSend:
					return fromActisenseNGTBinaryMessage(msg)
				case cmdN2KMessageReceived, cmdN2KMessageSend:
					return fromActisenseN2KBinaryMessage(msg)
				case cmdRAWActisenseMessageReceived, cmdRAWActisenseMessageSend:
					return fromRawActisenseMessage(msg)
				case cmdDeviceMessageReceived:
					if d.config.OutputActisenseMessages {
						return fromNGTMessage(msg)
					}
				}
			}
			// unrecognized DLE+??? sequence or a message we're told to ignore: discard and resync.
			state = waitingStartOfMessage
			messageByteIndex = 0
		}
	}
}

func fromNGTMessage(raw []byte) (decoded, error) {
	if len(raw) < (12 + 2) {
		return decoded{}, errors.New("raw message length too short to be valid")
	}
	payloadLen := int(raw[1])
	data := make([]byte, payloadLen)
	copy(data, raw[2:2+payloadLen])

	return decoded{
		pgn:  CanBoatFakePGNOffset + uint32(data[0]),
		data: data,
	}, nil
}

// CanBoatFakePGNOffset is the offset Actisense devices use for their own
// (non-NMEA2000) status PGNs, mirroring canboat's convention so those
// messages don't collide with real J1939/NMEA2000 PGNs.
const CanBoatFakePGNOffset uint32 = 0x40000

func fromActisenseNGTBinaryMessage(raw []byte) (decoded, error) {
	length := len(raw) - 2 // 2 bytes for: command(raw[0]) + len(raw[1])
	data := raw[2:]
	if length < 11 {
		return decoded{}, errors.New("raw message length too short to be valid NMEA message")
	}

	const dataPartIndex = 11
	l := data[10]
	endIndex := dataPartIndex + int(l)
	if length != endIndex+1 {
		return decoded{}, fmt.Errorf("data length byte value is different from actual length, %v!=%v", l, length-dataPartIndex)
	}
	if err := crcCheck(raw); err != nil {
		return decoded{}, err
	}

	pgn := uint32(data[1]) + uint32(data[2])<<8 + uint32(data[3])<<16
	dataBytes := make([]byte, l)
	copy(dataBytes, data[dataPartIndex:endIndex])

	return decoded{
		pgn:         pgn,
		priority:    data[0],
		destination: data[4],
		source:      data[5],
		data:        dataBytes,
	}, nil
}

func fromActisenseN2KBinaryMessage(raw []byte) (decoded, error) {
	length := uint32(raw[1]) + uint32(raw[2])<<8
	if int(length)+1 != len(raw) {
		return decoded{}, errors.New("raw message length do not match actual data length")
	}

	dst := raw[3]
	src := raw[4]

	dprp := raw[7]          // data page (1bit) + reserved (1bit) + priority bits (3bits)
	prio := (dprp >> 2) & 7 // priority bits are 3,4,5th bit
	rAndDP := dprp & 3      // data page + reserved is first 2 bits

	pduFormat := raw[6]
	pgn := uint32(rAndDP)<<16 + uint32(pduFormat)<<8
	if pduFormat >= 240 { // broadcast PGN: PS is the group extension
		pgn += uint32(raw[5])
	}

	const dataPartIndex = 13
	dataBytes := make([]byte, len(raw)-dataPartIndex)
	copy(dataBytes, raw[dataPartIndex:])

	return decoded{
		pgn:         pgn,
		priority:    prio,
		source:      src,
		destination: dst,
		data:        dataBytes,
	}, nil
}

// Example Send: `cansend can0 18EAFFFE#00EE00`
// Output from W2K RAW Actisense server: `95093eb7feffea1800ee0080`
//
// Message format:
// byte 0: command identifier
// byte 1: length of time counter + canid + data
// byte 2,3: time/counter
// byte 4,5,6,7: CanID (little endian)
// byte 8 ... (N-1): data
// byte N (last): CRC
func fromRawActisenseMessage(raw []byte) (decoded, error) {
	if len(raw) < 8 {
		return decoded{}, errors.New("raw actisense message length too short to be valid")
	}

	dLen := int(raw[1])
	if dLen+3 != len(raw) {
		return decoded{}, fmt.Errorf("data length byte value is different from actual length, %v!=%v", dLen, len(raw)-3)
	}
	if err := crcCheck(raw); err != nil {
		return decoded{}, err
	}

	id := j1939.DecodeIdentifier(binary.LittleEndian.Uint32(raw[4:8]))
	dataBytes := make([]byte, dLen-6)
	copy(dataBytes, raw[8:len(raw)-1])

	return decoded{
		pgn:         id.PGN,
		priority:    uint8(id.Priority),
		source:      id.Source,
		destination: id.Destination,
		data:        dataBytes,
	}, nil
}

// crcCheck calculates and checks message checksum.
func crcCheck(data []byte) error {
	if crc(data) != 0 {
		return errors.New("raw message has invalid crc")
	}
	return nil
}

// crc calculates message checksum. CRC is such that the sum of all unescaped data bytes plus the command byte
// plus the length adds up to zero, modulo 256.
func crc(data []byte) uint8 {
	crc := uint16(0)
	for _, d := range data {
		dd := uint16(d)
		if crc+dd > 255 {
			crc = dd - (256 - crc)
			continue
		}
		crc = crc + dd
	}
	return uint8(crc)
}

// Initialize clears the adapter's PGN transmit filter so it starts
// forwarding all received PGNs to the host.
//
// Canboat notes: reverse engineered from Actisense NMEAreader. Actisense own
// documentation: ACommsCommand_SetOperatingMode (NGT SDK manual, page 14).
func (d *Device) Initialize() error {
	clearPGNFilter := []byte{ // `Receive All Transfer` Operating Mode
		cmdDeviceMessageSend, // Op code (NGT specific message)
		3,                    // length
		0x11,                 // msg byte 1, command `operating mode`
		0x02,                 // msg byte 2, argument 'receive all' (2 bytes)
		0x00,                 // msg byte 3
	}
	return d.writeBstMessage(clearPGNFilter)
}

// WriteFrame re-encodes a J1939 CAN frame as an Actisense NGT/N2K binary
// message and writes it to the device.
func (d *Device) WriteFrame(frame hal.Frame) (bool, error) {
	if d.config.DebugLogRawMessageBytes {
		fmt.Printf("# DEBUG sending raw frame: %+v\n", frame)
	}
	id := j1939.DecodeIdentifier(frame.ID)
	payload := frame.Payload()

	buf := make([]byte, len(payload)+2+6)
	buf[0] = cmdNGTMessageSend
	if d.config.IsN2KWriter {
		buf[0] = cmdN2KMessageSend
	}
	buf[1] = byte(len(payload) + 6)

	buf[2] = byte(id.Priority)
	buf[3] = byte(id.PGN)
	buf[4] = byte(id.PGN >> 8)
	buf[5] = byte(id.PGN >> 16)
	buf[6] = id.Destination
	buf[7] = byte(len(payload))
	copy(buf[8:], payload)

	if err := d.writeBstMessage(buf); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Device) writeBstMessage(data []byte) error {
	packet := make([]byte, 0, len(data)+4+3) // 4 for prefix/suffix bytes and 3 for possible DLEs that need escaping
	packet = append(packet, DLE, STX)
	for _, b := range data {
		if b == DLE { // need to be escaped DLE => DLE, DLE
			packet = append(packet, DLE)
		}
		packet = append(packet, b)
	}
	crcByte := 0 - crc(data)
	packet = append(packet, crcByte, DLE, ETX)

	toWrite := len(packet)
	totalWritten := 0
	retryCount := 0
	maxRetry := 5

	if d.config.DebugLogRawMessageBytes {
		fmt.Printf("# DEBUG sent raw actisense binary message: %x\n", packet)
	}
	for {
		n, err := d.conn.Write(packet)
		if err != nil {
			if !errors.Is(err, syscall.EAGAIN) {
				return fmt.Errorf("actisense write failure: %w", err)
			}
			retryCount++
		}
		totalWritten += n

		if totalWritten >= toWrite {
			break
		}
		if retryCount > maxRetry {
			return errors.New("actisense writes failed, retry count reached")
		}
		d.sleepFunc(250 * time.Millisecond)
	}
	return nil
}

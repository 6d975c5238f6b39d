package wire

// Input is a client-to-server envelope. The set is closed: every
// message the server router understands is one of the structs below.
type Input interface {
	isInput()
}

// Connect binds a player id to the connection. It must be the first
// message on every connection; nothing else is processed before it.
type Connect struct {
	CorrelationID string
	PlayerID      uint64
}

// Create asks for a new lobby of a registered type with this player as
// the initial member. Options is an already-encoded payload for the
// lobby type's codec; the envelope never looks inside it.
type Create struct {
	CorrelationID string
	Type          string
	ID            string
	Options       []byte
}

// Join adds the player to an existing lobby.
type Join struct {
	CorrelationID string
	Type          string
	ID            string
}

// Action is fire-and-forget game input. Data is opaque to the envelope.
type Action struct {
	Type string
	ID   string
	Data []byte
}

func (Connect) isInput() {}
func (Create) isInput()  {}
func (Join) isInput()    {}
func (Action) isInput()  {}

// Output is a server-to-client envelope.
type Output interface {
	isOutput()
}

// ConnectAck answers a Connect.
type ConnectAck struct {
	CorrelationID string
	Success       bool
}

// CreateAck answers a Create.
type CreateAck struct {
	CorrelationID string
	Success       bool
}

// JoinAck answers a Join.
type JoinAck struct {
	CorrelationID string
	Success       bool
}

// Diff carries one encoded delta for lobby (Type, ID). Finished marks
// the lobby's terminal notification; Data is empty when the lobby had
// no terminal delta.
type Diff struct {
	Type     string
	ID       string
	Finished bool
	Data     []byte
}

// GenericError reports a failure that has no correlated ack.
type GenericError struct {
	Description string
}

func (ConnectAck) isOutput()   {}
func (CreateAck) isOutput()    {}
func (JoinAck) isOutput()      {}
func (Diff) isOutput()         {}
func (GenericError) isOutput() {}

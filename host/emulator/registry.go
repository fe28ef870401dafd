package emulator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"govsido/protocol"
)

// ErrUnknownCommand is returned by Dispatch for opcodes with no handler
var ErrUnknownCommand = errors.New("emulator: unknown command")

// CommandHandler handles one request. The handler is responsible for decoding
// its own arguments from the data pointer. A non-nil reply is sent back under
// the request's opcode; a nil reply marks the command as a write.
type CommandHandler func(data *[]byte) ([]byte, error)

// Command is one opcode the emulated board understands
type Command struct {
	Op      byte
	Name    string
	Handler CommandHandler
}

// CommandRegistry holds all registered commands
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[byte]*Command
}

// NewCommandRegistry creates an empty registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[byte]*Command),
	}
}

// Register adds or replaces the handler for op
func (r *CommandRegistry) Register(op byte, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands[op] = &Command{
		Op:      op,
		Name:    protocol.OpName(op),
		Handler: handler,
	}
}

// Unregister removes the handler for op
func (r *CommandRegistry) Unregister(op byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.commands, op)
}

// GetCommand retrieves a command by opcode
func (r *CommandRegistry) GetCommand(op byte) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[op]
	return cmd, ok
}

// Count returns the number of registered commands
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch calls the handler registered for op
func (r *CommandRegistry) Dispatch(op byte, data *[]byte) ([]byte, error) {
	cmd, ok := r.GetCommand(op)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, protocol.OpName(op))
	}
	return cmd.Handler(data)
}

// Commands lists the registered commands ordered by opcode
func (r *CommandRegistry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		list = append(list, *cmd)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Op < list[j].Op })
	return list
}

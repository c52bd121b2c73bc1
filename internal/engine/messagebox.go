package engine

const messageBoxPrefix = "messagebox."

// PushMessage appends payload to the box of id under the next process-wide
// message id and notifies subscribers of "messagebox.<id>".
func (e *Engine) PushMessage(id string, payload any) (Message, error) {
	if id == "" {
		return Message{}, invalidArgument("missing id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	msg := Message{ID: e.nextMessageID, Payload: cloneValue(payload)}
	e.nextMessageID++
	e.boxes[id] = append(e.boxes[id], msg)
	e.publishAllLocked(KindMessageBox, messageBoxPrefix+id, Message{ID: msg.ID, Payload: cloneValue(msg.Payload)})
	e.metrics.recordWrite("push_message")
	return Message{ID: msg.ID, Payload: cloneValue(msg.Payload)}, nil
}

// LenMessage returns the number of queued messages.
func (e *Engine) LenMessage(id string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, ok := e.boxes[id]
	if !ok {
		return 0, notFound(id)
	}
	return len(box), nil
}

// GetMessage pops the oldest message. An empty box yields nil.
func (e *Engine) GetMessage(id string) (*Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, ok := e.boxes[id]
	if !ok {
		return nil, notFound(id)
	}
	if len(box) == 0 {
		return nil, nil
	}
	msg := box[0]
	box[0] = Message{}
	e.boxes[id] = box[1:]
	return &msg, nil
}

// DelMessage removes the message with the given sequence number. A miss is
// only logged.
func (e *Engine) DelMessage(id string, seq int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	box := e.boxes[id]
	for i, msg := range box {
		if msg.ID == seq {
			e.boxes[id] = append(box[:i:i], box[i+1:]...)
			e.metrics.recordWrite("del_message")
			return nil
		}
	}
	e.logger.Warn("engine.messagebox.message_not_found", "box", id, "message_id", seq)
	return nil
}

// SubscribeMessage delivers pushes to the box of id to c.
func (e *Engine) SubscribeMessage(c Conn, id string) {
	e.subscribe(c, KindMessageBox, messageBoxPrefix+id)
}

// UnsubscribeMessage stops SubscribeMessage.
func (e *Engine) UnsubscribeMessage(c Conn, id string) {
	e.unsubscribe(c, KindMessageBox, messageBoxPrefix+id)
}

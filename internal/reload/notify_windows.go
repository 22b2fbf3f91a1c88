package reload

func (n *Notifier) subscribe() {}

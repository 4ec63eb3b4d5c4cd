package xenstored

type SystemSettings struct {
	StoreSettings              *StoreSettings
	TransactionManagerSettings *TransactionManagerSettings
	WatchManagerSettings       *WatchManagerSettings
}

func DefaultSystemSettings() *SystemSettings {
	return &SystemSettings{
		StoreSettings:              DefaultStoreSettings(),
		TransactionManagerSettings: DefaultTransactionManagerSettings(),
		WatchManagerSettings:       DefaultWatchManagerSettings(),
	}
}

// System is the shared daemon state: the tree, the live transactions,
// and the watch registry. It has no locking of its own; the server's
// dispatch loop is the single caller.
type System struct {
	settings *SystemSettings

	store        *Store
	transactions *TransactionManager
	watches      *WatchManager
}

func NewSystemWithDefaults() *System {
	return NewSystem(DefaultSystemSettings())
}

func NewSystem(settings *SystemSettings) *System {
	return &System{
		settings:     settings,
		store:        NewStore(settings.StoreSettings),
		transactions: NewTransactionManager(settings.TransactionManagerSettings),
		watches:      NewWatchManager(settings.WatchManagerSettings),
	}
}

func (self *System) Store() *Store {
	return self.store
}

func (self *System) Transactions() *TransactionManager {
	return self.transactions
}

func (self *System) Watches() *WatchManager {
	return self.watches
}

// view resolves the change set a request operates on. Requests inside a
// transaction share its buffered change set; requests outside get a
// throwaway one whose writes land immediately in apply.
func (self *System) view(connId Id, txId TxId) (*ChangeSet, error) {
	if txId == RootTransaction {
		return NewChangeSet(self.store), nil
	}
	return self.transactions.Get(connId, txId)
}

// apply lands a direct request's change set and fires its watch events.
// Transactional change sets stay buffered until TransactionEnd.
func (self *System) apply(txId TxId, cs *ChangeSet) error {
	if txId != RootTransaction {
		return nil
	}
	mutations, err := self.store.Apply(cs)
	if err != nil {
		return err
	}
	self.watches.Fire(mutations)
	return nil
}

func (self *System) Directory(connId Id, domainId DomainId, txId TxId, path Path) ([]string, error) {
	cs, err := self.view(connId, txId)
	if err != nil {
		return nil, err
	}
	return self.store.Directory(cs, domainId, path)
}

func (self *System) Read(connId Id, domainId DomainId, txId TxId, path Path) ([]byte, error) {
	cs, err := self.view(connId, txId)
	if err != nil {
		return nil, err
	}
	return self.store.Read(cs, domainId, path)
}

func (self *System) GetPerms(connId Id, domainId DomainId, txId TxId, path Path) ([]Permission, error) {
	cs, err := self.view(connId, txId)
	if err != nil {
		return nil, err
	}
	return self.store.GetPerms(cs, domainId, path)
}

func (self *System) Write(connId Id, domainId DomainId, txId TxId, path Path, value []byte) error {
	cs, err := self.view(connId, txId)
	if err != nil {
		return err
	}
	if err := self.store.Write(cs, domainId, path, value); err != nil {
		return err
	}
	return self.apply(txId, cs)
}

func (self *System) Mkdir(connId Id, domainId DomainId, txId TxId, path Path) error {
	cs, err := self.view(connId, txId)
	if err != nil {
		return err
	}
	if err := self.store.Mkdir(cs, domainId, path); err != nil {
		return err
	}
	return self.apply(txId, cs)
}

func (self *System) Rm(connId Id, domainId DomainId, txId TxId, path Path) error {
	cs, err := self.view(connId, txId)
	if err != nil {
		return err
	}
	if err := self.store.Rm(cs, domainId, path); err != nil {
		return err
	}
	return self.apply(txId, cs)
}

func (self *System) SetPerms(connId Id, domainId DomainId, txId TxId, path Path, permissions []Permission) error {
	cs, err := self.view(connId, txId)
	if err != nil {
		return err
	}
	if err := self.store.SetPerms(cs, domainId, path, permissions); err != nil {
		return err
	}
	return self.apply(txId, cs)
}

func (self *System) TransactionStart(connId Id, domainId DomainId) (TxId, error) {
	return self.transactions.Begin(connId, domainId, self.store)
}

// TransactionEnd commits or discards a transaction. A committed
// transaction's mutations fire watch events; a conflicted one surfaces
// EAGAIN and is gone either way.
func (self *System) TransactionEnd(connId Id, txId TxId, commit bool) error {
	mutations, err := self.transactions.End(self.store, connId, txId, commit)
	if err != nil {
		return err
	}
	self.watches.Fire(mutations)
	return nil
}

func (self *System) Watch(connId Id, domainId DomainId, path WatchPath, token string) error {
	return self.watches.Watch(connId, domainId, path, token)
}

func (self *System) Unwatch(connId Id, domainId DomainId, path WatchPath, token string) error {
	return self.watches.Unwatch(connId, domainId, path, token)
}

// ResetWatches drops all of a connection's watches but keeps its
// transactions.
func (self *System) ResetWatches(connId Id) {
	self.watches.Reset(connId)
}

// DrainEvents returns and clears a connection's pending watch events.
func (self *System) DrainEvents(connId Id) []Event {
	return self.watches.Drain(connId)
}

// Disconnect releases everything a connection holds.
func (self *System) Disconnect(connId Id) {
	self.transactions.Reset(connId)
	self.watches.Reset(connId)
}

package translate

// All returns every translator in registration order. Order matters only
// between tables with no dependency relation, where it is kept.
func All() []Translator {
	return []Translator{
		Currency{},
		Unit{},
		Name{},
		NameToNameStoreJoin{},
		Store{},
		NameStoreJoin{},
		Item{},
		Location{},
		StockLine{},
		Clinician{},
		MasterList{},
		TemperatureBreach{},
		TemperatureLog{},
		UserPermission{},
		DocumentRegistry{},
		Document{},
		SyncFileReference{},
	}
}

// DefaultRegistry builds the registry of All.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(All()...)
}

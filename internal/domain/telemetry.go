package domain

// RoutingPolicy — правило разделения трафика между двумя поколениями бэкенда.
// Процент читается заново на каждом запросе, поэтому оператор может
// двигать его без рестарта роутера.
type RoutingPolicy struct {
	FrontendPort      int `json:"frontend_port"`
	LegacyBackendPort int `json:"legacy_backend_port"`
	NewBackendPort    int `json:"new_backend_port"`
	TrafficPercentNew int `json:"traffic_percent_to_new"` // 0..100
}

// TrafficCommand — команда раскатки с операторского API: новый процент
// трафика на новый бэкенд для конкретного фронтенда. Доставляется
// роутеру через шину.
type TrafficCommand struct {
	FrontendPort int `json:"frontend_port"`
	Percent      int `json:"percent"` // 0..100
}

// HubState — публичный снимок состояния координатора двух хабов.
// Сам координатор владеет состоянием единолично, наружу отдается копия.
type HubState struct {
	PrimaryHubURL  string `json:"primary_hub_url"`
	FallbackHubURL string `json:"fallback_hub_url"`
	ActiveHubURL   string `json:"current_active_hub"`
	FailoverCount  int64  `json:"failover_count"`
}

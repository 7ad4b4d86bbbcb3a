package channel

// CallerProfile описание участника вызова: имя, номер, назначение.
// Неизменяемый после создания, поэтому безопасно разделяется между каналами.
type CallerProfile struct {
	name        string
	number      string
	destination string
	context     string
	dialplan    string
	networkAddr string
	ani         string
	source      string
	uuid        string
}

// CallerProfileParams параметры для NewCallerProfile
type CallerProfileParams struct {
	Name        string
	Number      string
	Destination string
	Context     string
	Dialplan    string
	NetworkAddr string
	ANI         string
	Source      string
	UUID        string
}

// NewCallerProfile создает неизменяемый профиль
func NewCallerProfile(p CallerProfileParams) *CallerProfile {
	return &CallerProfile{
		name:        p.Name,
		number:      p.Number,
		destination: p.Destination,
		context:     p.Context,
		dialplan:    p.Dialplan,
		networkAddr: p.NetworkAddr,
		ani:         p.ANI,
		source:      p.Source,
		uuid:        p.UUID,
	}
}

func (p *CallerProfile) Name() string        { return p.name }
func (p *CallerProfile) Number() string      { return p.number }
func (p *CallerProfile) Destination() string { return p.destination }
func (p *CallerProfile) Context() string     { return p.context }
func (p *CallerProfile) Dialplan() string    { return p.dialplan }
func (p *CallerProfile) NetworkAddr() string { return p.networkAddr }
func (p *CallerProfile) ANI() string         { return p.ani }
func (p *CallerProfile) Source() string      { return p.source }
func (p *CallerProfile) UUID() string        { return p.uuid }

// Params возвращает копию полей, например для построения производного профиля
func (p *CallerProfile) Params() CallerProfileParams {
	return CallerProfileParams{
		Name:        p.name,
		Number:      p.number,
		Destination: p.destination,
		Context:     p.context,
		Dialplan:    p.dialplan,
		NetworkAddr: p.networkAddr,
		ANI:         p.ani,
		Source:      p.source,
		UUID:        p.uuid,
	}
}

// eventData добавляет поля профиля в плоскую карту события с префиксом
func (p *CallerProfile) eventData(prefix string, out map[string]string) {
	if p == nil {
		return
	}
	out[prefix+"-Caller-ID-Name"] = p.name
	out[prefix+"-Caller-ID-Number"] = p.number
	out[prefix+"-Destination-Number"] = p.destination
	out[prefix+"-Context"] = p.context
	out[prefix+"-Dialplan"] = p.dialplan
	out[prefix+"-Network-Addr"] = p.networkAddr
	out[prefix+"-ANI"] = p.ani
	out[prefix+"-Source"] = p.source
	if p.uuid != "" {
		out[prefix+"-Unique-ID"] = p.uuid
	}
}

// CallerExtension результат маршрутизации, который выполняет канал
type CallerExtension struct {
	Context     string
	Application string
	Data        string
}

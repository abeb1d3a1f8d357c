package nvimapi

// Remote methods used by the bridge.
const (
	MethodGetAPIInfo        = "nvim_get_api_info"
	MethodSetClientInfo     = "nvim_set_client_info"
	MethodCallFunction      = "nvim_call_function"
	MethodCallAtomic        = "nvim_call_atomic"
	MethodCommand           = "nvim_command"
	MethodSetVar            = "nvim_set_var"
	MethodGetCurrentBuf     = "nvim_get_current_buf"
	MethodBufAttach         = "nvim_buf_attach"
	MethodBufDetach         = "nvim_buf_detach"
	MethodBufGetName        = "nvim_buf_get_name"
	MethodBufGetLines       = "nvim_buf_get_lines"
	MethodBufSetLines       = "nvim_buf_set_lines"
	MethodBufLineCount      = "nvim_buf_line_count"
	MethodBufGetChangedtick = "nvim_buf_get_changedtick"
)

// Inbound notifications.
const (
	EventBufLines       = "nvim_buf_lines_event"
	EventBufChangedtick = "nvim_buf_changedtick_event"
	EventBufDetach      = "nvim_buf_detach_event"
	EventBufEnter       = "comrade_buf_enter"
	EventBufWrite       = "comrade_buf_write"
)

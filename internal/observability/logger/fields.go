package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Method(v string) zap.Field    { return zap.String("method", v) }
func Path(v string) zap.Field      { return zap.String("path", v) }
func Status(v int) zap.Field       { return zap.Int("status", v) }
func ClientIP(v string) zap.Field  { return zap.String("client_ip", v) }
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - NEGOCIO
// =================================================================================

// UserID crea un campo para el ID del usuario.
func UserID(v string) zap.Field { return zap.String("user_id", v) }

// Protocol es el protocolo devuelto por la API Nacional para una emisión.
func Protocol(v string) zap.Field { return zap.String("protocol", v) }

// SignRequestID identifica una solicitud de firma remota.
func SignRequestID(v string) zap.Field { return zap.String("sign_request_id", v) }

// EventID identifica un evento de webhook.
func EventID(v string) zap.Field { return zap.String("event_id", v) }

// EventType es el tipo de evento de webhook.
func EventType(v string) zap.Field { return zap.String("event_type", v) }

// Attempt es el número de intento (1-based).
func Attempt(v int) zap.Field { return zap.Int("attempt", v) }

// Delay es la espera antes del próximo intento.
func Delay(v time.Duration) zap.Field { return zap.Duration("delay", v) }

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

func Component(v string) zap.Field { return zap.String("component", v) }
func Op(v string) zap.Field        { return zap.String("op", v) }
func Layer(v string) zap.Field     { return zap.String("layer", v) }
func Err(err error) zap.Field      { return zap.Error(err) }

// =================================================================================
// GENÉRICOS
// =================================================================================

func Count(v int) zap.Field             { return zap.Int("count", v) }
func Any(key string, v any) zap.Field   { return zap.Any(key, v) }
func String(key, v string) zap.Field    { return zap.String(key, v) }
func Int(key string, v int) zap.Field   { return zap.Int(key, v) }
func Bool(key string, v bool) zap.Field { return zap.Bool(key, v) }

// Package logger provee el logger Zap del proceso con scoping por contexto.
//
// # Design Decisions
//
//   - Singleton: una instancia global inicializada con Init() en main.go.
//     Los componentes la reciben vía From(ctx) o Named(component).
//   - Context Scoping: cada emisión o webhook puede llevar su propio logger con
//     campos (protocol, sign_request_id, event_id) sin crear un nuevo core.
//   - Environments: "dev" usa consola con colores, "prod" usa JSON.
//
// # Usage
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})
//	defer logger.Sync()
//
//	log := logger.From(ctx).With(logger.Component("emission"))
//	log.Info("DPS enviada", logger.Protocol(p), logger.Attempt(n))
package logger

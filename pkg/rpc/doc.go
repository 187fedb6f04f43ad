// Package rpc предоставляет JSON-RPC 2.0 клиент с поддержкой:
//   - Трёх видов вызовов: query (чтение), mutate (запись) и subscribe (поток)
//   - Сменных транспортов: HTTP, WebSocket с переподключением и их комбинации
//   - Корреляции ответов с запросами по ID независимо от порядка доставки
//   - Подписок с буферизацией значений до регистрации обработчика
//   - Плавного завершения потока по управляющему сообщению close_stream
//
// # Клиент
//
//	client, err := rpc.New(ctx, rpc.DefaultConfig("http://localhost:8080/rpc"))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	users := client.Procedure("users")
//	user, err := rpc.QueryAs[User](ctx, users.Path("get"), 42)
//
// # Подписки
//
//	unsubscribe := client.Procedure("chat", "messages").Subscribe(ctx, rpc.Handlers(
//	    func(msg Message) { ... },
//	    func(err error) { ... },
//	    func() { ... },
//	), roomID)
//	defer unsubscribe()
//
// Вызов subscribe отправляется как mutate; результатом должен быть ID
// подписки (строка или число). Ошибки подписки приходят только в OnError.
// Отмена до получения ID откладывается до его получения. При завершении
// клиент удаляет регистрацию, отправляет query "<метод>_unsub" с ID подписки
// и вызывает OnEnd.
//
// # Сгенерированные привязки
//
// Привязки держат по одному Procedure на метод сервера:
//
//	type UsersAPI struct{ get rpc.Procedure }
//
//	func NewUsersAPI(c *rpc.Client) UsersAPI {
//	    return UsersAPI{get: c.Procedure("users", "get")}
//	}
//
//	func (a UsersAPI) Get(ctx context.Context, id int) (User, error) {
//	    return rpc.QueryAs[User](ctx, a.get, id)
//	}
//
// # Протокол сообщений
//
// Запрос:
//
//	{"jsonrpc": "2.0", "method": "users.get", "id": 0, "params": [42]}
//
// Ответы:
//
//	{"jsonrpc": "2.0", "id": 0, "result": {...}}
//	{"jsonrpc": "2.0", "id": 0, "error": {"code": -32601, "message": "...", "data": null}}
//
// Значение подписки:
//
//	{"jsonrpc": "2.0", "params": {"subscription": "abc", "result": {...}}}
//
// HTTP транспорт передаёт query через GET с запросом в параметре input,
// mutate через POST с запросом в теле.
//
// Для https и wss TLS конфигурацию можно загрузить из окружения
// (TLS_CERT, TLS_KEY, TLS_CA) через TLSConfigFromEnv и передать в Config.TLS.
//
// После переподключения WebSocket подписки автоматически не восстанавливаются.
package rpc

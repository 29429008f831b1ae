package email

const contactEmailSubject = "Nuevo mensaje de contacto"

const contactEmailTemplate = `Recibiste un nuevo mensaje desde el formulario de contacto.

Nombre:   %s
Email:    %s
Teléfono: %s
IP:       %s
Fecha:    %s

%s

--
%s
`
